// Package api serves the automation REST surface consumed by the CRM frontend.
package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/config"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

const appName = "daisi-crm-automation"

// Server owns the fiber app and its listener.
type Server struct {
	app  *fiber.App
	port int
	log  *zap.Logger
}

// NewServer builds the app with middleware and routes. Requests are scoped to companyID.
func NewServer(cfg config.APIConfig, companyID string, handler *Handler, baseLogger *zap.Logger) *Server {
	if baseLogger == nil {
		baseLogger = logger.Log
	}
	log := baseLogger.Named("api")

	app := fiber.New(fiber.Config{
		AppName:               appName,
		BodyLimit:             cfg.BodyLimit,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	app.Use(RequestContext(companyID, log))
	app.Use(AccessLog())
	app.Use(Recover())

	SetupRoutes(app, handler)

	return &Server{app: app, port: cfg.Port, log: log}
}

// App exposes the fiber app, mainly for app.Test.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	s.log.Info("Starting API server", zap.String("address", addr))
	if err := s.app.Listen(addr); err != nil {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server")
	return s.app.ShutdownWithContext(ctx)
}

// errorHandler renders every returned error as {"error": "..."}.
// Unexpected errors are logged and hidden behind a generic message.
func errorHandler(c *fiber.Ctx, err error) error {
	code := apperrors.HTTPStatus(err)
	message := err.Error()

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code >= fiber.StatusInternalServerError && fiberErr == nil {
		logger.FromContext(c.UserContext()).Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err))
		message = "internal server error"
	}

	return c.Status(code).JSON(fiber.Map{"error": message})
}
