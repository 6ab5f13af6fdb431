package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ghx-ops/console/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS diagnostic_jobs (
	job_id         TEXT PRIMARY KEY,
	job_name       TEXT NOT NULL DEFAULT '',
	job_type       TEXT NOT NULL DEFAULT 'manual',
	selected_nodes TEXT NOT NULL DEFAULT '[]',
	enabled_tests  TEXT NOT NULL DEFAULT '[]',
	dcgm_level     INTEGER NOT NULL DEFAULT 2,
	status         TEXT NOT NULL DEFAULT 'pending',
	created_at     TIMESTAMP NOT NULL,
	started_at     TIMESTAMP,
	completed_at   TIMESTAMP,
	updated_at     TIMESTAMP NOT NULL,
	expires_at     TIMESTAMP,
	error_message  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS diagnostic_results (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id            TEXT NOT NULL,
	node_name         TEXT NOT NULL,
	job_type          TEXT NOT NULL DEFAULT 'manual',
	gpu_type          TEXT NOT NULL DEFAULT '',
	enabled_tests     TEXT NOT NULL DEFAULT '[]',
	dcgm_level        INTEGER NOT NULL DEFAULT 2,
	inspection_result TEXT NOT NULL DEFAULT '',
	performance_pass  INTEGER NOT NULL DEFAULT 0,
	health_pass       INTEGER NOT NULL DEFAULT 0,
	execution_time    TEXT NOT NULL DEFAULT '',
	execution_log     TEXT NOT NULL DEFAULT '',
	benchmark_data    TEXT NOT NULL DEFAULT '{}',
	test_results      TEXT NOT NULL DEFAULT '{}',
	file_path         TEXT NOT NULL DEFAULT '',
	expires_at        TIMESTAMP,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL,
	UNIQUE (job_id, node_name)
);

CREATE TABLE IF NOT EXISTS diagnostic_history (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id            TEXT NOT NULL,
	node_name         TEXT NOT NULL,
	gpu_type          TEXT NOT NULL DEFAULT '',
	inspection_result TEXT NOT NULL DEFAULT '',
	performance_pass  INTEGER NOT NULL DEFAULT 0,
	health_pass       INTEGER NOT NULL DEFAULT 0,
	execution_time    TEXT NOT NULL DEFAULT '',
	benchmark_data    TEXT NOT NULL DEFAULT '{}',
	test_results      TEXT NOT NULL DEFAULT '{}',
	file_path         TEXT NOT NULL UNIQUE,
	expires_at        TIMESTAMP,
	created_at        TIMESTAMP NOT NULL
);
`

// SQLiteStore is the embedded-database Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// sqlite is single-writer; serialize access instead of surfacing
	// SQLITE_BUSY to callers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	log.Printf("[store] database ready at %s", path)
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func marshalStrings(values []string) string {
	if values == nil {
		values = []string{}
	}
	data, _ := json.Marshal(values)
	return string(data)
}

func unmarshalStrings(data string) []string {
	var values []string
	_ = json.Unmarshal([]byte(data), &values)
	return values
}

// UpsertJob inserts or replaces a cluster-mode job row, preserving
// created_at on update.
func (s *SQLiteStore) UpsertJob(job *models.DiagnosticJob) error {
	_, err := s.db.Exec(`
		INSERT INTO diagnostic_jobs
			(job_id, job_name, job_type, selected_nodes, enabled_tests, dcgm_level,
			 status, created_at, started_at, completed_at, updated_at, expires_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			job_name = excluded.job_name,
			job_type = excluded.job_type,
			selected_nodes = excluded.selected_nodes,
			enabled_tests = excluded.enabled_tests,
			dcgm_level = excluded.dcgm_level,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at,
			error_message = excluded.error_message`,
		job.JobID, job.JobName, job.JobType,
		marshalStrings(job.SelectedNodes), marshalStrings(job.EnabledTests), job.DCGMLevel,
		job.Status, job.CreatedAt, job.StartedAt, job.CompletedAt, job.UpdatedAt,
		job.ExpiresAt, job.ErrorMessage)
	return err
}

func scanJob(row interface{ Scan(...any) error }) (*models.DiagnosticJob, error) {
	var job models.DiagnosticJob
	var selectedNodes, enabledTests string
	err := row.Scan(&job.JobID, &job.JobName, &job.JobType, &selectedNodes, &enabledTests,
		&job.DCGMLevel, &job.Status, &job.CreatedAt, &job.StartedAt, &job.CompletedAt,
		&job.UpdatedAt, &job.ExpiresAt, &job.ErrorMessage)
	if err != nil {
		return nil, err
	}
	job.SelectedNodes = unmarshalStrings(selectedNodes)
	job.EnabledTests = unmarshalStrings(enabledTests)
	return &job, nil
}

const jobColumns = `job_id, job_name, job_type, selected_nodes, enabled_tests, dcgm_level,
	status, created_at, started_at, completed_at, updated_at, expires_at, error_message`

// GetJob returns one job, or nil when absent.
func (s *SQLiteStore) GetJob(jobID string) (*models.DiagnosticJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM diagnostic_jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// ListJobs returns every job, newest first.
func (s *SQLiteStore) ListJobs() ([]models.DiagnosticJob, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM diagnostic_jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []models.DiagnosticJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus sets a job's status and bumps updated_at.
func (s *SQLiteStore) UpdateJobStatus(jobID, status string) error {
	res, err := s.db.Exec(`UPDATE diagnostic_jobs SET status = ?, updated_at = ? WHERE job_id = ?`,
		status, time.Now().UTC(), jobID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %q not found", jobID)
	}
	return nil
}

// DeleteJob removes a job row.
func (s *SQLiteStore) DeleteJob(jobID string) error {
	_, err := s.db.Exec(`DELETE FROM diagnostic_jobs WHERE job_id = ?`, jobID)
	return err
}

// UpsertResult inserts or updates the unique (job_id, node_name) row. On
// update the original created_at is preserved.
func (s *SQLiteStore) UpsertResult(r *models.DiagnosticResult) error {
	_, err := s.db.Exec(`
		INSERT INTO diagnostic_results
			(job_id, node_name, job_type, gpu_type, enabled_tests, dcgm_level,
			 inspection_result, performance_pass, health_pass, execution_time,
			 execution_log, benchmark_data, test_results, file_path, expires_at,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, node_name) DO UPDATE SET
			job_type = excluded.job_type,
			gpu_type = excluded.gpu_type,
			enabled_tests = excluded.enabled_tests,
			dcgm_level = excluded.dcgm_level,
			inspection_result = excluded.inspection_result,
			performance_pass = excluded.performance_pass,
			health_pass = excluded.health_pass,
			execution_time = excluded.execution_time,
			execution_log = excluded.execution_log,
			benchmark_data = excluded.benchmark_data,
			test_results = excluded.test_results,
			file_path = excluded.file_path,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		r.JobID, r.NodeName, r.JobType, r.GPUType,
		marshalStrings(r.EnabledTests), r.DCGMLevel,
		r.InspectionResult, r.PerformancePass, r.HealthPass, r.ExecutionTime,
		r.ExecutionLog, r.BenchmarkData, r.TestResults, r.FilePath, r.ExpiresAt,
		r.CreatedAt, r.UpdatedAt)
	return err
}

const resultColumns = `id, job_id, node_name, job_type, gpu_type, enabled_tests, dcgm_level,
	inspection_result, performance_pass, health_pass, execution_time, execution_log,
	benchmark_data, test_results, file_path, expires_at, created_at, updated_at`

func scanResult(row interface{ Scan(...any) error }) (*models.DiagnosticResult, error) {
	var r models.DiagnosticResult
	var enabledTests string
	err := row.Scan(&r.ID, &r.JobID, &r.NodeName, &r.JobType, &r.GPUType, &enabledTests,
		&r.DCGMLevel, &r.InspectionResult, &r.PerformancePass, &r.HealthPass,
		&r.ExecutionTime, &r.ExecutionLog, &r.BenchmarkData, &r.TestResults,
		&r.FilePath, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.EnabledTests = unmarshalStrings(enabledTests)
	return &r, nil
}

// GetResult returns one (job_id, node_name) row, or nil when absent.
func (s *SQLiteStore) GetResult(jobID, nodeName string) (*models.DiagnosticResult, error) {
	row := s.db.QueryRow(`SELECT `+resultColumns+` FROM diagnostic_results WHERE job_id = ? AND node_name = ?`,
		jobID, nodeName)
	result, err := scanResult(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return result, err
}

// ListResults returns rows for a job, or every row when jobID is empty.
func (s *SQLiteStore) ListResults(jobID string) ([]models.DiagnosticResult, error) {
	query := `SELECT ` + resultColumns + ` FROM diagnostic_results ORDER BY updated_at DESC`
	args := []any{}
	if jobID != "" {
		query = `SELECT ` + resultColumns + ` FROM diagnostic_results WHERE job_id = ? ORDER BY updated_at DESC`
		args = append(args, jobID)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []models.DiagnosticResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

// HasResultFile reports whether a result row recorded this artifact path.
func (s *SQLiteStore) HasResultFile(filePath string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM diagnostic_results WHERE file_path = ?`, filePath).Scan(&n)
	return n > 0, err
}

// HasResultForNode reports whether any result row exists for the node.
func (s *SQLiteStore) HasResultForNode(nodeName string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM diagnostic_results WHERE node_name = ?`, nodeName).Scan(&n)
	return n > 0, err
}

// DeleteResultsForJob removes every result row of a job.
func (s *SQLiteStore) DeleteResultsForJob(jobID string) error {
	_, err := s.db.Exec(`DELETE FROM diagnostic_results WHERE job_id = ?`, jobID)
	return err
}

// HasHistoryFile reports whether a cron artifact path was already recorded.
func (s *SQLiteStore) HasHistoryFile(filePath string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM diagnostic_history WHERE file_path = ?`, filePath).Scan(&n)
	return n > 0, err
}

// InsertHistory appends one cron-mode row. Duplicate file paths are ignored.
func (s *SQLiteStore) InsertHistory(r *models.DiagnosticResult) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO diagnostic_history
			(job_id, node_name, gpu_type, inspection_result, performance_pass,
			 health_pass, execution_time, benchmark_data, test_results, file_path,
			 expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.NodeName, r.GPUType, r.InspectionResult, r.PerformancePass,
		r.HealthPass, r.ExecutionTime, r.BenchmarkData, r.TestResults, r.FilePath,
		r.ExpiresAt, r.CreatedAt)
	return err
}

// DeleteExpired removes jobs, results and history rows past their expiry.
func (s *SQLiteStore) DeleteExpired(now time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"diagnostic_jobs", "diagnostic_results", "diagnostic_history"} {
		res, err := s.db.Exec(`DELETE FROM `+table+` WHERE expires_at IS NOT NULL AND expires_at < ?`, now)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
