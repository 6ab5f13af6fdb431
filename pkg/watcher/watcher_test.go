package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/ghx-ops/console/pkg/events"
	"github.com/ghx-ops/console/pkg/models"
	"github.com/ghx-ops/console/pkg/store"
)

func TestMapPhase(t *testing.T) {
	cases := []struct {
		phase string
		ready int
		want  string
	}{
		{"Pending", 0, "Pending"},
		{"PENDING", 0, "Pending"},
		{"Running", 1, "Running"},
		{"Succeeded", 0, "Completed"},
		{"Completed", 0, "Completed"},
		{"Failed", 0, "Failed"},
		{"Error", 0, "Failed"},
		{"CrashLoopBackOff", 0, "Failed"},
		{"ImagePullBackOff", 0, "ImagePullBackOff"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, MapPhase(c.phase, c.ready), "phase %q ready %d", c.phase, c.ready)
	}

	// Running with no ready container is not yet "Running"; the raw phase
	// passes through.
	assert.Equal(t, "Running", MapPhase("Running", 0))
}

func TestTerminalStatus(t *testing.T) {
	assert.True(t, TerminalStatus("Completed"))
	assert.True(t, TerminalStatus("succeeded"))
	assert.True(t, TerminalStatus("Failed"))
	assert.False(t, TerminalStatus("Running"))
	assert.False(t, TerminalStatus("Pending"))
	assert.False(t, TerminalStatus(""))
}

func TestParseCLIRow(t *testing.T) {
	name, status, ready := parseCLIRow("gpu-check-n1   1/1   Running   0   42s")
	assert.Equal(t, "gpu-check-n1", name)
	assert.Equal(t, "Running", status)
	assert.Equal(t, 1, ready)

	name, status, ready = parseCLIRow("gpu-check-n2   0/1   Completed   0   3m")
	assert.Equal(t, "gpu-check-n2", name)
	assert.Equal(t, "Completed", status)
	assert.Equal(t, 0, ready)

	name, _, _ = parseCLIRow("short line")
	assert.Equal(t, "", name)
}

type watcherEnv struct {
	store   *store.SQLiteStore
	bus     *events.Bus
	busCh   chan []byte
	watcher *Watcher
	client  *fake.Clientset
	shared  string
}

func newWatcherEnv(t *testing.T, objects ...*corev1.Pod) *watcherEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ghx.db"))
	require.NoError(t, err)
	bus := events.NewBus()
	t.Cleanup(func() {
		bus.Close()
		s.Close()
	})
	ch := bus.Subscribe()
	<-ch // connected

	shared := t.TempDir()
	ingester := store.NewIngester(s, bus, shared, 30)

	client := fake.NewSimpleClientset()
	for _, pod := range objects {
		_, err := client.CoreV1().Pods(pod.Namespace).Create(context.Background(), pod, metav1.CreateOptions{})
		require.NoError(t, err)
	}

	return &watcherEnv{
		store:   s,
		bus:     bus,
		busCh:   ch,
		watcher: New(client, "gpu-inspection", s, ingester, bus),
		client:  client,
		shared:  shared,
	}
}

func checkPod(name, jobID string, phase corev1.PodPhase, ready bool) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "gpu-inspection",
			Labels: map[string]string{
				"app":      "gpu-inspection",
				"job-type": "manual",
				JobIDLabel: jobID,
			},
		},
		Spec: corev1.PodSpec{NodeName: "worker-1"},
		Status: corev1.PodStatus{
			Phase: phase,
			ContainerStatuses: []corev1.ContainerStatus{
				{Name: "check", Ready: ready},
			},
		},
	}
}

func seedJob(t *testing.T, s store.Store, jobID, status string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.UpsertJob(&models.DiagnosticJob{
		JobID:     jobID,
		JobType:   "manual",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func TestReconcileRunningPod(t *testing.T) {
	env := newWatcherEnv(t, checkPod("gpu-check-n1", "J1", corev1.PodRunning, true))
	seedJob(t, env.store, "J1", "Pending")

	active := env.watcher.reconcileAll()
	assert.True(t, active)

	job, err := env.store.GetJob("J1")
	require.NoError(t, err)
	assert.Equal(t, "Running", job.Status)

	// The transition reaches the stream.
	select {
	case data := <-env.busCh:
		var doc map[string]any
		require.NoError(t, json.Unmarshal(data, &doc))
		assert.Equal(t, events.TypeJobStatusChange, doc["type"])
		assert.Equal(t, "J1", doc["job_id"])
		assert.Equal(t, "Running", doc["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("no job_status_change published")
	}
}

func TestReconcileIsCaseInsensitiveNoOp(t *testing.T) {
	env := newWatcherEnv(t, checkPod("gpu-check-n1", "J1", corev1.PodRunning, true))
	seedJob(t, env.store, "J1", "running")

	env.watcher.reconcileAll()

	// Stored "running" equals mapped "Running" case-insensitively: no
	// write, no event.
	job, err := env.store.GetJob("J1")
	require.NoError(t, err)
	assert.Equal(t, "running", job.Status)
	select {
	case data := <-env.busCh:
		t.Fatalf("unexpected event: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCompletedPodTriggersIngestion(t *testing.T) {
	env := newWatcherEnv(t, checkPod("gpu-check-n1", "J1", corev1.PodSucceeded, false))
	seedJob(t, env.store, "J1", "Running")

	// An artifact waits on the shared volume.
	artifact := models.Artifact{
		JobID: "J1", JobType: "manual", NodeName: "worker-1", GPUType: "H100",
		EnabledTests:    []string{"nccl"},
		TestResults:     models.ArtifactTestResults{DCGM: models.InspectionPass, IB: models.InspectionPass},
		PerformancePass: true,
	}
	data, err := json.Marshal(artifact)
	require.NoError(t, err)
	manualDir := filepath.Join(env.shared, store.ManualSubdir)
	require.NoError(t, os.MkdirAll(manualDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(manualDir, "worker-1_20250101_120000.json"), data, 0o644))

	active := env.watcher.reconcileAll()
	assert.False(t, active)

	// Status moved twice: Running -> Completed, then ingestion completed
	// the job row for good.
	job, err := env.store.GetJob("J1")
	require.NoError(t, err)
	assert.Equal(t, "completed", job.Status)

	result, err := env.store.GetResult("J1", "worker-1")
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.InspectionPass, result.InspectionResult)
}

func TestUnknownJobIsIgnored(t *testing.T) {
	env := newWatcherEnv(t, checkPod("gpu-check-n1", "J-unknown", corev1.PodRunning, true))
	// No job row seeded: reconcile must not panic or publish.
	env.watcher.reconcileAll()
	select {
	case data := <-env.busCh:
		t.Fatalf("unexpected event: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancelJobMarksCancelled(t *testing.T) {
	env := newWatcherEnv(t, checkPod("gpu-check-n1", "J1", corev1.PodRunning, true))
	seedJob(t, env.store, "J1", "Running")

	require.NoError(t, env.watcher.CancelJob("J1"))

	job, err := env.store.GetJob("J1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", job.Status)

	pods, err := env.client.CoreV1().Pods("gpu-inspection").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)
}
