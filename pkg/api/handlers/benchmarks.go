package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ghx-ops/console/pkg/benchmark"
)

// BenchmarkHandlers exposes the loaded threshold catalog.
type BenchmarkHandlers struct {
	catalog *benchmark.Catalog
}

// NewBenchmarkHandlers creates the handler set.
func NewBenchmarkHandlers(catalog *benchmark.Catalog) *BenchmarkHandlers {
	return &BenchmarkHandlers{catalog: catalog}
}

// GetBenchmarks returns the threshold table and its source
// GET /api/config/gpu-benchmarks
func (h *BenchmarkHandlers) GetBenchmarks(c *fiber.Ctx) error {
	return ok(c, fiber.Map{
		"benchmarks": h.catalog.Entries(),
		"source":     h.catalog.Source(),
	}, "")
}
