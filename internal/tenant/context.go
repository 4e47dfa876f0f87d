package tenant

import (
	"context"
	"errors"
	"fmt"
)

type contextKey string

const (
	companyIDKey contextKey = "companyID"
	requestIDKey contextKey = "requestID"
)

// ErrCompanyIDNotFound is returned when no company id is attached to the context.
var ErrCompanyIDNotFound = errors.New("company ID not found in context")

// ErrNoRequestIDInContext is returned when no request id is attached to the context.
var ErrNoRequestIDInContext = errors.New("no request ID found in context")

// WithCompanyID scopes ctx to a tenant.
func WithCompanyID(ctx context.Context, companyID string) context.Context {
	return context.WithValue(ctx, companyIDKey, companyID)
}

// FromContext returns the tenant attached to ctx.
func FromContext(ctx context.Context) (string, error) {
	companyID, ok := ctx.Value(companyIDKey).(string)
	if !ok || companyID == "" {
		return "", ErrCompanyIDNotFound
	}
	return companyID, nil
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func FromRequestIDContext(ctx context.Context) (string, error) {
	requestID, ok := ctx.Value(requestIDKey).(string)
	if !ok || requestID == "" {
		return "", ErrNoRequestIDInContext
	}
	return requestID, nil
}

// MatchCompany rejects a payload whose company id disagrees with the tenant in ctx.
// An empty payload company is accepted.
func MatchCompany(ctx context.Context, payloadCompanyID string) error {
	if payloadCompanyID == "" {
		return nil
	}
	companyID, err := FromContext(ctx)
	if err != nil {
		return err
	}
	if payloadCompanyID != companyID {
		return fmt.Errorf("payload company (%s) does not match tenant (%s)", payloadCompanyID, companyID)
	}
	return nil
}
