package api

import "github.com/gofiber/fiber/v2"

// SetupRoutes registers the automation endpoints.
func SetupRoutes(app *fiber.App, h *Handler) {
	stages := app.Group("/stages")
	stages.Get("/:id/automation", h.GetStageAutomation)
	stages.Put("/:id/automation", h.UpsertStageAutomation)
	stages.Delete("/:id/automation", h.DeleteStageAutomation)

	funnels := app.Group("/funnels")
	funnels.Get("/:id/automations", h.ListFunnelAutomations)

	deals := app.Group("/deals")
	// static path first so it is not captured by /:id
	deals.Post("/bulk-start-automation", h.BulkStartAutomation)
	deals.Get("/:id/automation-status", h.DealAutomationStatus)
	deals.Get("/:id/automation-logs", h.DealAutomationLogs)
	deals.Post("/:id/start-automation", h.StartDealAutomation)
	deals.Post("/:id/cancel-automation", h.CancelDealAutomation)
	deals.Post("/:id/move", h.MoveDeal)
}
