package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghx-ops/console/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ghx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleResult(jobID, node string) *models.DiagnosticResult {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.DiagnosticResult{
		JobID:            jobID,
		NodeName:         node,
		JobType:          "manual",
		GPUType:          "H100",
		EnabledTests:     []string{"bandwidth", "nccl"},
		DCGMLevel:        2,
		InspectionResult: models.InspectionPass,
		PerformancePass:  true,
		HealthPass:       true,
		TestResults:      `{"nccl":{"raw_value":145.3}}`,
		BenchmarkData:    `{"nccl":139}`,
		FilePath:         "/shared/manual/" + node + "_20250101_120000.json",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestUpsertResultPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)

	first := sampleResult("J1", "N1")
	require.NoError(t, s.UpsertResult(first))

	stored, err := s.GetResult("J1", "N1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	originalCreated := stored.CreatedAt

	second := sampleResult("J1", "N1")
	second.InspectionResult = models.InspectionNoPass
	second.CreatedAt = second.CreatedAt.Add(10 * time.Second)
	second.UpdatedAt = second.UpdatedAt.Add(10 * time.Second)
	require.NoError(t, s.UpsertResult(second))

	stored, err = s.GetResult("J1", "N1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.InspectionNoPass, stored.InspectionResult)
	assert.True(t, stored.CreatedAt.Equal(originalCreated), "created_at must survive upserts")
	assert.True(t, stored.UpdatedAt.After(originalCreated))

	// Still exactly one row for the pair.
	results, err := s.ListResults("J1")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestResultUniquenessPerNode(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.UpsertResult(sampleResult("J1", "N1")))
	require.NoError(t, s.UpsertResult(sampleResult("J1", "N2")))
	require.NoError(t, s.UpsertResult(sampleResult("J2", "N1")))

	results, err := s.ListResults("")
	require.NoError(t, err)
	assert.Len(t, results, 3)

	forJob, err := s.ListResults("J1")
	require.NoError(t, err)
	assert.Len(t, forJob, 2)

	has, err := s.HasResultForNode("N1")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = s.HasResultForNode("N9")
	require.NoError(t, err)
	assert.False(t, has)

	has, err = s.HasResultFile("/shared/manual/N1_20250101_120000.json")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	job := &models.DiagnosticJob{
		JobID:         "J1",
		JobName:       "nightly",
		JobType:       "manual",
		SelectedNodes: []string{"N1", "N2"},
		EnabledTests:  []string{"dcgm"},
		DCGMLevel:     3,
		Status:        "pending",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.UpsertJob(job))

	stored, err := s.GetJob("J1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, []string{"N1", "N2"}, stored.SelectedNodes)

	require.NoError(t, s.UpdateJobStatus("J1", "Running"))
	stored, _ = s.GetJob("J1")
	assert.Equal(t, "Running", stored.Status)

	assert.Error(t, s.UpdateJobStatus("missing", "Running"))

	jobs, err := s.ListJobs()
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, s.DeleteJob("J1"))
	stored, err = s.GetJob("J1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestHistoryDedupeByFilePath(t *testing.T) {
	s := newTestStore(t)
	r := sampleResult("J1", "N1")
	r.FilePath = "/shared/cron/N1_20250101_030000.json"

	require.NoError(t, s.InsertHistory(r))
	require.NoError(t, s.InsertHistory(r)) // same path is ignored

	has, err := s.HasHistoryFile(r.FilePath)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestDeleteExpired(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	expired := sampleResult("J1", "N1")
	past := now.Add(-1 * time.Hour)
	expired.ExpiresAt = &past
	require.NoError(t, s.UpsertResult(expired))

	fresh := sampleResult("J1", "N2")
	future := now.Add(24 * time.Hour)
	fresh.ExpiresAt = &future
	require.NoError(t, s.UpsertResult(fresh))

	n, err := s.DeleteExpired(now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := s.ListResults("")
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "N2", remaining[0].NodeName)
}
