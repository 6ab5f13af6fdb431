// Package store persists cluster-mode diagnostic jobs and ingested results.
package store

import (
	"time"

	"github.com/ghx-ops/console/pkg/models"
)

// Store is the persistence interface consumed by the ingester, the watcher
// and the read handlers.
type Store interface {
	// Jobs
	UpsertJob(job *models.DiagnosticJob) error
	GetJob(jobID string) (*models.DiagnosticJob, error)
	ListJobs() ([]models.DiagnosticJob, error)
	UpdateJobStatus(jobID, status string) error
	DeleteJob(jobID string) error

	// Results (unique per job_id + node_name)
	UpsertResult(result *models.DiagnosticResult) error
	GetResult(jobID, nodeName string) (*models.DiagnosticResult, error)
	ListResults(jobID string) ([]models.DiagnosticResult, error)
	HasResultFile(filePath string) (bool, error)
	HasResultForNode(nodeName string) (bool, error)
	DeleteResultsForJob(jobID string) error

	// Cron history (append-only, deduplicated by file_path)
	HasHistoryFile(filePath string) (bool, error)
	InsertHistory(result *models.DiagnosticResult) error

	// Retention
	DeleteExpired(now time.Time) (int64, error)

	Close() error
}
