package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/ghx-ops/console/pkg/store"
	"github.com/ghx-ops/console/pkg/watcher"
)

// ResultsHandlers serves the cluster-mode read surface: ingested diagnostic
// results, their jobs, and explicit ingestion/cancellation triggers.
type ResultsHandlers struct {
	store    store.Store
	ingester *store.Ingester
	watcher  *watcher.Watcher
	onIngest func(count int)
}

// NewResultsHandlers creates the handler set. watcher may be nil when
// cluster mode is off; onIngest may be nil (metrics hook).
func NewResultsHandlers(s store.Store, ingester *store.Ingester, w *watcher.Watcher, onIngest func(int)) *ResultsHandlers {
	return &ResultsHandlers{store: s, ingester: ingester, watcher: w, onIngest: onIngest}
}

// ListJobs returns the cluster-mode job rows
// GET /api/diagnostic/jobs
func (h *ResultsHandlers) ListJobs(c *fiber.Ctx) error {
	jobs, err := h.store.ListJobs()
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return ok(c, jobs, "")
}

// GetJob returns one cluster-mode job row
// GET /api/diagnostic/jobs/:jobId
func (h *ResultsHandlers) GetJob(c *fiber.Ctx) error {
	job, err := h.store.GetJob(c.Params("jobId"))
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	if job == nil {
		return fail(c, fiber.StatusNotFound, "job not found")
	}
	return ok(c, job, "")
}

// ListResults returns ingested results, optionally filtered by job
// GET /api/diagnostic/results?jobId=...
func (h *ResultsHandlers) ListResults(c *fiber.Ctx) error {
	results, err := h.store.ListResults(c.Query("jobId"))
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	return ok(c, results, "")
}

// TriggerIngest scans the shared volume now
// POST /api/diagnostic/ingest
func (h *ResultsHandlers) TriggerIngest(c *fiber.Ctx) error {
	manual, err := h.ingester.IngestManual()
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	cron, err := h.ingester.IngestCron()
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	if h.onIngest != nil {
		h.onIngest(manual + cron)
	}
	return ok(c, fiber.Map{"manual": manual, "cron": cron}, "ingestion complete")
}

// CancelJob deletes a cluster job's pods and marks it cancelled
// POST /api/diagnostic/jobs/:jobId/cancel
func (h *ResultsHandlers) CancelJob(c *fiber.Ctx) error {
	if h.watcher == nil {
		return fail(c, fiber.StatusServiceUnavailable, "cluster mode is not enabled")
	}
	if err := h.watcher.CancelJob(c.Params("jobId")); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	return ok(c, nil, "job cancelled")
}

// DeleteJob removes a cluster job, its result rows and its artifacts
// DELETE /api/diagnostic/jobs/:jobId
func (h *ResultsHandlers) DeleteJob(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	job, err := h.store.GetJob(jobID)
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	if job == nil {
		return fail(c, fiber.StatusNotFound, "job not found")
	}
	h.ingester.DeleteJobArtifacts(job)
	if err := h.store.DeleteResultsForJob(jobID); err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	if err := h.store.DeleteJob(jobID); err != nil {
		return fail(c, fiber.StatusInternalServerError, err.Error())
	}
	log.Printf("[api] deleted cluster job %s", jobID)
	return ok(c, nil, "job deleted")
}
