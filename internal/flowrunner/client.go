// Package flowrunner talks to the external conversational flow runner.
package flowrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/config"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

const (
	defaultTimeout = 10 * time.Second
	apiKeyHeader   = "X-API-Key"
)

type startRequest struct {
	Phone     string `json:"phone"`
	DealID    string `json:"deal_id"`
	CompanyID string `json:"company_id"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
}

// Client starts and stops flow sessions over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *fasthttp.Client
}

// Option customises a Client.
type Option func(*Client)

// WithDial replaces the dialer, e.g. with an in-memory listener in tests.
func WithDial(dial fasthttp.DialFunc) Option {
	return func(c *Client) {
		c.http.Dial = dial
	}
}

// NewClient builds a client for cfg.BaseURL.
func NewClient(cfg config.FlowRunnerConfig, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http: &fasthttp.Client{
			Name:                "daisi-crm-automation",
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartFlow starts flowID for phone and returns the session id.
func (c *Client) StartFlow(ctx context.Context, flowID, phone, dealID string) (string, error) {
	companyID, _ := tenant.FromContext(ctx)
	body, err := json.Marshal(startRequest{Phone: phone, DealID: dealID, CompanyID: companyID})
	if err != nil {
		return "", apperrors.NewFatal(err, "failed to marshal start flow request")
	}

	start := time.Now()
	status, respBody, err := c.do(ctx, fasthttp.MethodPost, "/flows/"+url.PathEscape(flowID)+"/sessions", body)
	if err == nil {
		err = statusError(status, respBody)
	}
	var out startResponse
	if err == nil {
		if decodeErr := json.Unmarshal(respBody, &out); decodeErr != nil {
			err = apperrors.NewFatal(fmt.Errorf("%w: %w", apperrors.ErrFlowRunner, decodeErr), "invalid start flow response")
		}
	}
	observer.ObserveFlowRunnerCall(companyID, "start", time.Since(start), err)
	if err != nil {
		logger.FromContext(ctx).Warn("Flow runner start failed",
			zap.String("flow_id", flowID),
			zap.String("deal_id", dealID),
			zap.Error(err))
		return "", err
	}
	return out.SessionID, nil
}

// StopFlow ends a session. An unknown session counts as stopped.
func (c *Client) StopFlow(ctx context.Context, sessionID string) error {
	companyID, _ := tenant.FromContext(ctx)

	start := time.Now()
	status, respBody, err := c.do(ctx, fasthttp.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil)
	if err == nil && status != fasthttp.StatusNotFound {
		err = statusError(status, respBody)
	}
	observer.ObserveFlowRunnerCall(companyID, "stop", time.Since(start), err)
	if err != nil {
		logger.FromContext(ctx).Warn("Flow runner stop failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, apperrors.NewRetryable(fmt.Errorf("%w: %w", apperrors.ErrTimeout, err), "flow runner call not attempted")
	}
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	req.Header.SetContentType("application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	if reqID, err := tenant.FromRequestIDContext(ctx); err == nil {
		req.Header.Set("X-Request-ID", reqID)
	}
	if body != nil {
		req.SetBody(body)
	}

	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return 0, nil, apperrors.NewRetryable(fmt.Errorf("%w: %w", apperrors.ErrTimeout, err), "flow runner %s %s", method, path)
		}
		return 0, nil, apperrors.NewRetryable(fmt.Errorf("%w: %w", apperrors.ErrFlowRunner, err), "flow runner %s %s", method, path)
	}
	// resp is released on return
	return resp.StatusCode(), append([]byte(nil), resp.Body()...), nil
}

// statusError classifies a non-2xx answer: 5xx and 429 are retryable, other 4xx are not.
func statusError(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	err := fmt.Errorf("%w: status %d: %s", apperrors.ErrFlowRunner, status, truncate(string(body), 256))
	if status >= 500 || status == fasthttp.StatusTooManyRequests {
		return apperrors.NewRetryable(err, "flow runner unavailable")
	}
	return apperrors.NewFatal(err, "flow runner rejected request")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
