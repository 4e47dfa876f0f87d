package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/observer"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/tenant"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

// RequestIDHeader carries the request id in and out.
const RequestIDHeader = "X-Request-ID"

// RequestContext scopes the user context of every request to the tenant and a
// request id, reusing the caller's X-Request-ID when present.
func RequestContext(companyID string, base *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDHeader, requestID)

		ctx := c.UserContext()
		ctx = tenant.WithCompanyID(ctx, companyID)
		ctx = tenant.WithRequestID(ctx, requestID)
		ctx = logger.WithLogger(ctx, base.With(zap.String("company_id", companyID)))
		c.SetUserContext(ctx)

		return c.Next()
	}
}

// AccessLog renders chain errors through the app error handler so the final
// status is known, then records the request metric and a debug line.
func AccessLog() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		if chainErr := c.Next(); chainErr != nil {
			if err := c.App().ErrorHandler(c, chainErr); err != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}

		status := c.Response().StatusCode()
		elapsed := time.Since(start)
		observer.ObserveAPIRequest(c.Method(), c.Route().Path, strconv.Itoa(status), elapsed)

		logger.FromContext(c.UserContext()).Debug("Request served",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("latency", elapsed))
		return nil
	}
}

// Recover turns handler panics into 500 responses.
func Recover() fiber.Handler {
	return recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e interface{}) {
			logger.FromContext(c.UserContext()).Error("Panic while serving request",
				zap.Any("panic", e),
				zap.String("path", c.Path()),
				zap.Stack("stack"))
		},
	})
}
