package http

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/services/scheduler"
)

// IntentService is what the handlers need from the intents service.
type IntentService interface {
	CreateIntent(ctx context.Context, intent *domain.Intent) (*domain.Intent, error)
	UpdateIntent(ctx context.Context, id string, update *domain.Intent) (*domain.Intent, error)
	DeleteIntent(ctx context.Context, id string) error
	ToggleIntent(ctx context.Context, id string) (*domain.Intent, error)
	GetIntent(ctx context.Context, id string) (*domain.Intent, error)
	ListIntents(ctx context.Context) ([]*domain.Intent, error)
	PreviewMatches(ctx context.Context, id string) ([]domain.Container, error)
	ExecuteIntent(ctx context.Context, id string, dryRun bool) (*domain.Execution, error)
	ListExecutions(ctx context.Context, intentID string, limit int) ([]*domain.Execution, error)
	GetExecutionDetail(ctx context.Context, executionID string) (*domain.ExecutionDetail, error)
	CancelExecution(ctx context.Context, executionID string) error
	ListContainers(ctx context.Context) ([]domain.Container, error)
	Scan(ctx context.Context) (*scheduler.ScanReport, error)
}

const defaultExecutionLimit = 20

type IntentHandler struct {
	service IntentService
}

func NewIntentHandler(service IntentService) *IntentHandler {
	return &IntentHandler{service: service}
}

// respondError maps the domain error taxonomy to HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
			"field": verr.Field,
		})
	case errors.Is(err, domain.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	body := fiber.Map{"error": err.Error()}
	if hints := errors.FlattenHints(err); hints != "" {
		body["hint"] = hints
	}
	return c.Status(fiber.StatusInternalServerError).JSON(body)
}

func (h *IntentHandler) parseIntent(c *fiber.Ctx) (*domain.Intent, error) {
	var spec domain.IntentSpec
	if err := c.BodyParser(&spec); err != nil {
		return nil, domain.NewValidationError("body", "invalid request body")
	}
	return spec.Intent(), nil
}

func (h *IntentHandler) ListIntents(c *fiber.Ctx) error {
	intents, err := h.service.ListIntents(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	if intents == nil {
		intents = []*domain.Intent{}
	}
	return c.JSON(intents)
}

func (h *IntentHandler) CreateIntent(c *fiber.Ctx) error {
	intent, err := h.parseIntent(c)
	if err != nil {
		return respondError(c, err)
	}
	created, err := h.service.CreateIntent(c.UserContext(), intent)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *IntentHandler) GetIntent(c *fiber.Ctx) error {
	intent, err := h.service.GetIntent(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(intent)
}

func (h *IntentHandler) UpdateIntent(c *fiber.Ctx) error {
	intent, err := h.parseIntent(c)
	if err != nil {
		return respondError(c, err)
	}
	updated, err := h.service.UpdateIntent(c.UserContext(), c.Params("id"), intent)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(updated)
}

func (h *IntentHandler) DeleteIntent(c *fiber.Ctx) error {
	if err := h.service.DeleteIntent(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *IntentHandler) ToggleIntent(c *fiber.Ctx) error {
	intent, err := h.service.ToggleIntent(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(intent)
}

func (h *IntentHandler) PreviewMatches(c *fiber.Ctx) error {
	matches, err := h.service.PreviewMatches(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	if matches == nil {
		matches = []domain.Container{}
	}
	return c.JSON(matches)
}

// ExecuteIntent blocks until the execution has finished.
func (h *IntentHandler) ExecuteIntent(c *fiber.Ctx) error {
	exec, err := h.service.ExecuteIntent(c.UserContext(), c.Params("id"), c.QueryBool("dryRun", false))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(exec)
}

func (h *IntentHandler) ListExecutions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultExecutionLimit)
	if limit < 1 {
		return respondError(c, domain.NewValidationError("limit", "must be positive"))
	}
	execs, err := h.service.ListExecutions(c.UserContext(), c.Params("id"), limit)
	if err != nil {
		return respondError(c, err)
	}
	if execs == nil {
		execs = []*domain.Execution{}
	}
	return c.JSON(execs)
}

func (h *IntentHandler) GetExecution(c *fiber.Ctx) error {
	detail, err := h.service.GetExecutionDetail(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(detail)
}

func (h *IntentHandler) CancelExecution(c *fiber.Ctx) error {
	if err := h.service.CancelExecution(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusAccepted)
}

func (h *IntentHandler) ListContainers(c *fiber.Ctx) error {
	containers, err := h.service.ListContainers(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	if containers == nil {
		containers = []domain.Container{}
	}
	return c.JSON(containers)
}

func (h *IntentHandler) Scan(c *fiber.Ctx) error {
	report, err := h.service.Scan(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(report)
}
