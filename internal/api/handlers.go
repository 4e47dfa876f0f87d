package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-crm-automation/internal/apperrors"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/model"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/usecase"
	"gitlab.com/timkado/api/daisi-crm-automation/internal/validator"
	"gitlab.com/timkado/api/daisi-crm-automation/pkg/logger"
)

// Handler binds the REST endpoints to the automation services.
type Handler struct {
	configs ConfigService
	engine  usecase.Engine
	deals   DealMover
}

func NewHandler(configs ConfigService, engine usecase.Engine, deals DealMover) *Handler {
	return &Handler{configs: configs, engine: engine, deals: deals}
}

// MoveDealRequest is the body of POST /deals/{id}/move.
type MoveDealRequest struct {
	StageID string `json:"stage_id" validate:"required"`
}

// MoveDealResponse reports the applied move.
type MoveDealResponse struct {
	DealID      string    `json:"deal_id"`
	FromStageID string    `json:"from_stage_id"`
	ToStageID   string    `json:"to_stage_id"`
	ChangedAt   time.Time `json:"changed_at"`
}

// GetStageAutomation answers null when the stage has no rule.
func (h *Handler) GetStageAutomation(c *fiber.Ctx) error {
	cfg, err := h.configs.GetStageAutomation(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if cfg == nil {
		return c.JSON(nil)
	}
	return c.JSON(cfg)
}

func (h *Handler) UpsertStageAutomation(c *fiber.Ctx) error {
	var req model.UpsertAutomationRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	cfg, err := h.configs.UpsertStageAutomation(c.UserContext(), c.Params("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(cfg)
}

func (h *Handler) DeleteStageAutomation(c *fiber.Ctx) error {
	if err := h.configs.DeleteStageAutomation(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) ListFunnelAutomations(c *fiber.Ctx) error {
	items, err := h.configs.ListFunnelAutomations(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if items == nil {
		items = []model.StageAutomationSummary{}
	}
	return c.JSON(items)
}

func (h *Handler) DealAutomationStatus(c *fiber.Ctx) error {
	runs, err := h.configs.DealAutomationStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []model.DealAutomationRun{}
	}
	return c.JSON(runs)
}

// DealAutomationLogs accepts an optional ?limit=.
func (h *Handler) DealAutomationLogs(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return fmt.Errorf("%w: limit must not be negative", apperrors.ErrBadRequest)
	}
	logs, err := h.configs.DealAutomationLogs(c.UserContext(), c.Params("id"), limit)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []model.AutomationLog{}
	}
	return c.JSON(logs)
}

func (h *Handler) StartDealAutomation(c *fiber.Ctx) error {
	run, err := h.engine.StartDealAutomation(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(run)
}

// CancelDealAutomation succeeds even when nothing was open.
func (h *Handler) CancelDealAutomation(c *fiber.Ctx) error {
	cancelled, err := h.engine.CancelDealAutomation(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"cancelled": cancelled})
}

func (h *Handler) BulkStartAutomation(c *fiber.Ctx) error {
	var req model.BulkStartRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if err := validator.Validate(req); err != nil {
		return err
	}
	result, err := h.engine.BulkStartAutomation(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

func (h *Handler) MoveDeal(c *fiber.Ctx) error {
	var req MoveDealRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if err := validator.Validate(req); err != nil {
		return err
	}
	change, err := h.deals.MoveDeal(c.UserContext(), c.Params("id"), req.StageID)
	if err != nil {
		return err
	}
	return c.JSON(MoveDealResponse{
		DealID:      change.DealID,
		FromStageID: change.FromStageID,
		ToStageID:   change.ToStageID,
		ChangedAt:   change.ChangedAt,
	})
}

func parseBody(c *fiber.Ctx, out interface{}) error {
	if err := c.BodyParser(out); err != nil {
		logger.FromContext(c.UserContext()).Debug("Rejected request body", zap.Error(err))
		return fmt.Errorf("%w: invalid JSON body", apperrors.ErrBadRequest)
	}
	return nil
}
