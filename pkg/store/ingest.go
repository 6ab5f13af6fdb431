package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghx-ops/console/pkg/events"
	"github.com/ghx-ops/console/pkg/models"
)

// Shared-volume layout: manual artifacts under manual/, cron artifacts under
// cron/. Every artifact is `<nodeName>_<YYYYMMDD_HHMMSS>.json`; the sentinel
// `<nodeName>_latest.json` is a repeatedly overwritten pointer to the most
// recent result.
const (
	ManualSubdir  = "manual"
	CronSubdir    = "cron"
	latestSuffix  = "_latest.json"
	artifactGlob  = "*.json"
	defaultRetain = 30
)

// Ingester drains shared-volume artifacts into the store.
type Ingester struct {
	store         Store
	bus           *events.Bus
	sharedRoot    string
	retentionDays int
}

// NewIngester builds an ingester. retentionDays <= 0 falls back to the
// default retention window.
func NewIngester(s Store, bus *events.Bus, sharedRoot string, retentionDays int) *Ingester {
	if retentionDays <= 0 {
		retentionDays = defaultRetain
	}
	return &Ingester{store: s, bus: bus, sharedRoot: sharedRoot, retentionDays: retentionDays}
}

// IngestManual scans the manual artifact directory and upserts everything
// not yet ingested. It reports how many artifacts were written.
func (i *Ingester) IngestManual() (int, error) {
	files, err := filepath.Glob(filepath.Join(i.sharedRoot, ManualSubdir, artifactGlob))
	if err != nil {
		return 0, err
	}

	ingested := 0
	touchedJobs := make(map[string]struct{})
	for _, file := range files {
		skip, err := i.alreadyIngested(file)
		if err != nil {
			log.Printf("[ingest] duplicate check failed for %s: %v", file, err)
			continue
		}
		if skip {
			continue
		}
		artifact, err := readArtifact(file)
		if err != nil {
			log.Printf("[ingest] skipping malformed artifact %s: %v", file, err)
			continue
		}
		result := i.resultFromArtifact(artifact, file)
		if err := i.store.UpsertResult(result); err != nil {
			log.Printf("[ingest] upsert failed for %s: %v", file, err)
			continue
		}
		ingested++
		touchedJobs[artifact.JobID] = struct{}{}
		log.Printf("[ingest] ingested %s: %s/%s -> %s", filepath.Base(file),
			artifact.JobID, artifact.NodeName, result.InspectionResult)
	}

	for jobID := range touchedJobs {
		if err := i.store.UpdateJobStatus(jobID, "completed"); err != nil {
			log.Printf("[ingest] could not complete job %s: %v", jobID, err)
		}
	}
	if ingested > 0 && i.bus != nil {
		i.bus.Publish(events.TypeDiagnosticResults, nil)
	}
	return ingested, nil
}

// IngestCron appends cron artifacts to the history table, deduplicated by
// file path.
func (i *Ingester) IngestCron() (int, error) {
	files, err := filepath.Glob(filepath.Join(i.sharedRoot, CronSubdir, artifactGlob))
	if err != nil {
		return 0, err
	}
	ingested := 0
	for _, file := range files {
		if strings.HasSuffix(file, latestSuffix) {
			continue
		}
		seen, err := i.store.HasHistoryFile(file)
		if err != nil || seen {
			continue
		}
		artifact, err := readArtifact(file)
		if err != nil {
			log.Printf("[ingest] skipping malformed cron artifact %s: %v", file, err)
			continue
		}
		if err := i.store.InsertHistory(i.resultFromArtifact(artifact, file)); err != nil {
			log.Printf("[ingest] history insert failed for %s: %v", file, err)
			continue
		}
		ingested++
	}
	return ingested, nil
}

// Reap deletes expired rows and artifacts older than the retention window.
func (i *Ingester) Reap() {
	now := time.Now().UTC()
	if n, err := i.store.DeleteExpired(now); err != nil {
		log.Printf("[ingest] reaping rows failed: %v", err)
	} else if n > 0 {
		log.Printf("[ingest] reaped %d expired rows", n)
	}

	cutoff := now.AddDate(0, 0, -i.retentionDays)
	for _, subdir := range []string{ManualSubdir, CronSubdir} {
		files, err := filepath.Glob(filepath.Join(i.sharedRoot, subdir, artifactGlob))
		if err != nil {
			continue
		}
		for _, file := range files {
			if strings.HasSuffix(file, latestSuffix) {
				continue
			}
			info, err := os.Stat(file)
			if err != nil || !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.Remove(file); err != nil {
				log.Printf("[ingest] removing %s failed: %v", file, err)
			}
		}
	}
}

// DeleteJobArtifacts removes the manual artifacts of a job's node set, used
// when a cluster job is deleted. Files whose job_id names another job are kept.
func (i *Ingester) DeleteJobArtifacts(job *models.DiagnosticJob) {
	for _, node := range job.SelectedNodes {
		pattern := filepath.Join(i.sharedRoot, ManualSubdir, node+"_*.json")
		files, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, file := range files {
			if artifact, err := readArtifact(file); err == nil && artifact.JobID != job.JobID {
				continue
			}
			if err := os.Remove(file); err != nil {
				log.Printf("[ingest] removing %s failed: %v", file, err)
			}
		}
	}
}

// alreadyIngested applies the duplicate rules: a timestamped artifact is
// ingested at most once (tracked by file path); the `_latest` sentinel is
// deliberately lenient and skipped whenever any row exists for its node.
func (i *Ingester) alreadyIngested(file string) (bool, error) {
	base := filepath.Base(file)
	if strings.HasSuffix(base, latestSuffix) {
		node := strings.TrimSuffix(base, latestSuffix)
		return i.store.HasResultForNode(node)
	}
	return i.store.HasResultFile(file)
}

func readArtifact(file string) (*models.Artifact, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var artifact models.Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, err
	}
	if artifact.JobID == "" || artifact.NodeName == "" || artifact.GPUType == "" {
		return nil, fmt.Errorf("missing required fields job_id/node_name/gpu_type")
	}
	return &artifact, nil
}

// healthVerdictOK treats Pass and Skipped (or an absent test) as healthy.
func healthVerdictOK(verdict string) bool {
	return verdict == "" || verdict == models.InspectionPass || verdict == models.VerdictSkipped
}

// resultFromArtifact derives the canonical row: health_pass from the dcgm/ib
// verdicts, inspection_result from performance_pass AND health_pass.
func (i *Ingester) resultFromArtifact(a *models.Artifact, file string) *models.DiagnosticResult {
	healthPass := healthVerdictOK(a.TestResults.DCGM) && healthVerdictOK(a.TestResults.IB)
	inspection := models.InspectionNoPass
	if a.PerformancePass && healthPass {
		inspection = models.InspectionPass
	}

	testResults, _ := json.Marshal(a.TestResults)
	benchmarkData, _ := json.Marshal(a.Benchmark)

	now := time.Now().UTC()
	expiresAt := now.AddDate(0, 0, i.retentionDays)
	return &models.DiagnosticResult{
		JobID:            a.JobID,
		NodeName:         a.NodeName,
		JobType:          firstNonEmpty(a.JobType, "manual"),
		GPUType:          a.GPUType,
		EnabledTests:     a.EnabledTests,
		DCGMLevel:        a.DCGMLevel,
		InspectionResult: inspection,
		PerformancePass:  a.PerformancePass,
		HealthPass:       healthPass,
		ExecutionTime:    a.ExecutionTime,
		ExecutionLog:     a.ExecutionLog,
		BenchmarkData:    string(benchmarkData),
		TestResults:      string(testResults),
		FilePath:         file,
		ExpiresAt:        &expiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
