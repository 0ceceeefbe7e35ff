package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/melih/garmin-bootstrap/internal/core/domain"
)

// ProgressReader exposes the stage reports recorded so far.
type ProgressReader interface {
	Snapshot() []domain.Report
	Lookup(name string) (domain.Report, bool)
}

// StatusHandler serves bootstrap progress.
type StatusHandler struct {
	progress ProgressReader
	stages   []string
}

// NewStatusHandler creates a handler. stages lists every stage name in
// execution order so pending stages can be reported too.
func NewStatusHandler(progress ProgressReader, stages []string) *StatusHandler {
	return &StatusHandler{progress: progress, stages: stages}
}

// StatusResponse is the body of GET /api/v1/stages.
type StatusResponse struct {
	State   string          `json:"state"`
	Stages  []domain.Report `json:"stages"`
	Pending []string        `json:"pending"`
}

func (h *StatusHandler) ListStages(c *fiber.Ctx) error {
	reports := h.progress.Snapshot()
	seen := make(map[string]bool, len(reports))
	for _, r := range reports {
		seen[r.Name] = true
	}
	pending := make([]string, 0, len(h.stages))
	for _, name := range h.stages {
		if !seen[name] {
			pending = append(pending, name)
		}
	}
	return c.JSON(StatusResponse{
		State:   overallState(reports, h.finalStage()),
		Stages:  reports,
		Pending: pending,
	})
}

func (h *StatusHandler) GetStage(c *fiber.Ctx) error {
	name := c.Params("name")
	if name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Stage name is required",
		})
	}

	report, ok := h.progress.Lookup(name)
	if !ok {
		if h.known(name) {
			return c.JSON(fiber.Map{"name": name, "outcome": "pending"})
		}
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown stage " + name,
		})
	}
	return c.JSON(report)
}

func (h *StatusHandler) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (h *StatusHandler) known(name string) bool {
	for _, s := range h.stages {
		if s == name {
			return true
		}
	}
	return false
}

func (h *StatusHandler) finalStage() string {
	if len(h.stages) == 0 {
		return ""
	}
	return h.stages[len(h.stages)-1]
}

// overallState folds the reports into a single workflow state, derived
// from the most recent stage. The final stage streams while it runs and
// marks the workflow finished once it has ended.
func overallState(reports []domain.Report, final string) string {
	if len(reports) == 0 {
		return "pending"
	}
	last := reports[len(reports)-1]
	if last.Outcome == domain.OutcomeFailed {
		return "failed"
	}
	if last.Name == final {
		if last.Outcome == domain.OutcomeRunning {
			return "streaming"
		}
		return "finished"
	}
	return "running"
}
