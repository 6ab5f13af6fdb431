// Package benchmark holds the per-GPU-model performance thresholds that gate
// the numeric diagnostic tests.
package benchmark

import (
	"log"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Metric names recognized by the catalog
const (
	MetricBandwidth = "bw"
	MetricP2P       = "p2p"
	MetricNCCL      = "nccl"
)

// EnvFile is the environment key naming the catalog document.
const EnvFile = "GPU_BENCHMARK_FILE"

// fallback thresholds, used when no catalog document can be read
var fallback = map[string]map[string]float64{
	"RTX 3090": {"p2p": 18, "nccl": 7, "bw": 20},
	"L40S":     {"p2p": 28, "nccl": 9, "bw": 20},
	"RTX 4090": {"p2p": 18, "nccl": 7, "bw": 20},
	"A100":     {"p2p": 420, "nccl": 70, "bw": 20},
	"A800":     {"p2p": 340, "nccl": 55, "bw": 20},
	"H100":     {"p2p": 700, "nccl": 139, "bw": 40},
	"H800":     {"p2p": 340, "nccl": 65, "bw": 47},
	"H200":     {"p2p": 730, "nccl": 145, "bw": 54},
}

// Catalog maps canonical GPU model names to metric thresholds
type Catalog struct {
	entries map[string]map[string]float64
	source  string
}

// Load reads the catalog from the path in GPU_BENCHMARK_FILE. Any failure
// falls back to the built-in table; Load never returns an error.
func Load() *Catalog {
	path := os.Getenv(EnvFile)
	if path == "" {
		return &Catalog{entries: fallback, source: "builtin"}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[benchmark] cannot read %s: %v, using fallback defaults", path, err)
		return &Catalog{entries: fallback, source: "builtin"}
	}
	// The catalog file is JSON by convention; yaml handles both since JSON
	// is a YAML subset.
	entries := make(map[string]map[string]float64)
	if err := yaml.Unmarshal(data, &entries); err != nil || len(entries) == 0 {
		log.Printf("[benchmark] cannot parse %s: %v, using fallback defaults", path, err)
		return &Catalog{entries: fallback, source: "builtin"}
	}
	log.Printf("[benchmark] loaded %d GPU models from %s", len(entries), path)
	return &Catalog{entries: entries, source: path}
}

// NewCatalog builds a catalog from an explicit table (tests, overrides).
func NewCatalog(entries map[string]map[string]float64) *Catalog {
	return &Catalog{entries: entries, source: "explicit"}
}

// Source reports where the table was loaded from.
func (c *Catalog) Source() string { return c.source }

// Entries returns the full table for read endpoints.
func (c *Catalog) Entries() map[string]map[string]float64 { return c.entries }

// Normalize maps a raw GPU identity string (an nvidia-smi -L line) to the
// first catalog key whose compacted form is a substring of the compacted
// input. Unknown models pass through with surrounding whitespace trimmed; an
// empty input yields "Unknown".
func (c *Catalog) Normalize(raw string) string {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return "Unknown"
	}
	compacted := compact(cleaned)
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if strings.Contains(compacted, compact(key)) {
			return key
		}
	}
	return cleaned
}

// Threshold returns the gate for (model, metric), or nil when the model or
// metric is not in the table. A nil threshold means "do not gate".
func (c *Catalog) Threshold(model, metric string) *float64 {
	metrics, ok := c.entries[model]
	if !ok {
		return nil
	}
	v, ok := metrics[metric]
	if !ok {
		return nil
	}
	return &v
}

func compact(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", ""))
}
