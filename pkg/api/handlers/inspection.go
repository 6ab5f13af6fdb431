package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ghx-ops/console/pkg/inspection"
	"github.com/ghx-ops/console/pkg/models"
)

// InspectionHandlers serves the bare-metal job lifecycle endpoints.
type InspectionHandlers struct {
	manager    *inspection.Manager
	onJobStart func()
}

// NewInspectionHandlers creates the handler set. onJobStart may be nil; it
// is invoked once per accepted submission (metrics hook).
func NewInspectionHandlers(manager *inspection.Manager, onJobStart func()) *InspectionHandlers {
	return &InspectionHandlers{manager: manager, onJobStart: onJobStart}
}

// CreateJob submits a new inspection job
// POST /api/gpu-inspection/create-job
func (h *InspectionHandlers) CreateJob(c *fiber.Ctx) error {
	var req models.CreateJobRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	jobID, err := h.manager.Submit(req)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	if h.onJobStart != nil {
		h.onJobStart()
	}
	return ok(c, fiber.Map{"jobId": jobID}, "job created")
}

// GetJob returns one sanitized job view
// GET /api/gpu-inspection/job/:jobId
func (h *InspectionHandlers) GetJob(c *fiber.Ctx) error {
	view, found := h.manager.Get(c.Params("jobId"))
	if !found {
		return fail(c, fiber.StatusNotFound, "job not found")
	}
	return ok(c, view, "")
}

// ListJobs returns every job view
// GET /api/gpu-inspection/jobs
func (h *InspectionHandlers) ListJobs(c *fiber.Ctx) error {
	return ok(c, h.manager.List(), "")
}

// StopJob raises a job's cancel latch
// POST /api/gpu-inspection/stop-job/:jobId
func (h *InspectionHandlers) StopJob(c *fiber.Ctx) error {
	if err := h.manager.Stop(c.Params("jobId")); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	return ok(c, nil, "job cancelled")
}

// CreateMultiNodeTest starts a multi-host NCCL run
// POST /api/gpu-inspection/multi-node-nccl
func (h *InspectionHandlers) CreateMultiNodeTest(c *fiber.Ctx) error {
	var req inspection.MultiNodeRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	testID, err := h.manager.SubmitMultiNode(req)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	return ok(c, fiber.Map{"testId": testID}, "multi-node test started")
}

// GetMultiNodeTest polls a multi-host NCCL run
// GET /api/gpu-inspection/multi-node-nccl/:testId
func (h *InspectionHandlers) GetMultiNodeTest(c *fiber.Ctx) error {
	test, found := h.manager.GetMultiNode(c.Params("testId"))
	if !found {
		return fail(c, fiber.StatusNotFound, "test not found")
	}
	return ok(c, test, "")
}
