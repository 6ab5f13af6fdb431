package inspection

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghx-ops/console/pkg/benchmark"
	"github.com/ghx-ops/console/pkg/engine"
	"github.com/ghx-ops/console/pkg/events"
	"github.com/ghx-ops/console/pkg/models"
	"github.com/ghx-ops/console/pkg/sshx"
)

// maxNodeConcurrency bounds the per-job fan-out of node runners.
const maxNodeConcurrency = 10

// Manager owns the bare-metal job map. The single mutex guards record
// mutation only; it is never held across network I/O.
type Manager struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	multiNode map[string]*MultiNodeTest

	catalog *benchmark.Catalog
	assets  engine.Assets
	bus     *events.Bus
	open    SessionOpener
}

// NewManager wires the orchestrator. bus may be nil in tests.
func NewManager(catalog *benchmark.Catalog, assets engine.Assets, bus *events.Bus) *Manager {
	return &Manager{
		jobs:    make(map[string]*Job),
		catalog: catalog,
		assets:  assets,
		bus:     bus,
		open:    OpenSSHSession,
	}
}

// SetSessionOpener overrides the transport, for tests.
func (m *Manager) SetSessionOpener(open SessionOpener) { m.open = open }

func (m *Manager) publishStatus(jobID, status, nodeName string) {
	if m.bus != nil {
		m.bus.PublishJobStatus(jobID, status, nodeName)
	}
}

// Submit validates a job request, registers the job and spawns its worker.
func (m *Manager) Submit(req models.CreateJobRequest) (string, error) {
	if len(req.Nodes) == 0 {
		return "", fmt.Errorf("nodes must not be empty")
	}
	if len(req.Tests) == 0 {
		return "", fmt.Errorf("tests must not be empty")
	}
	for _, kind := range req.Tests {
		if !knownTestKind(kind) {
			return "", fmt.Errorf("unknown test kind %q", kind)
		}
	}
	dcgmLevel := req.DCGMLevel
	if dcgmLevel == 0 {
		dcgmLevel = 2
	}
	if dcgmLevel < 1 || dcgmLevel > 4 {
		return "", fmt.Errorf("dcgmLevel must be between 1 and 4")
	}

	jobID := req.JobName
	if jobID == "" {
		jobID = "manual-" + uuid.NewString()[:8]
	}

	now := time.Now().UTC()
	job := &Job{
		JobID:     jobID,
		JobName:   firstNonEmpty(req.JobName, jobID),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    models.JobStatusPending,
		Tests:     append([]models.TestKind(nil), req.Tests...),
		DCGMLevel: dcgmLevel,
		Cancel:    NewCancelLatch(),
	}

	for _, nr := range req.Nodes {
		if nr.Host == "" || nr.Username == "" || nr.Auth.Type == "" {
			return "", fmt.Errorf("node %q is missing host, username or auth", nr.Host)
		}
		if nr.Auth.Type == "privateKey" {
			if _, err := sshx.ParsePrivateKey(nr.Auth.Value, nr.Auth.Passphrase); err != nil {
				return "", fmt.Errorf("node %s: invalid private key: %w", nr.Host, err)
			}
		}
		port := nr.Port
		if port == 0 {
			port = 22
		}
		job.Nodes = append(job.Nodes, &models.Node{
			NodeID:   uuid.NewString(),
			Host:     nr.Host,
			Port:     port,
			Username: nr.Username,
			Alias:    nr.Alias,
			Status:   models.NodeStatusPending,
			Connection: &models.Connection{
				Host:         nr.Host,
				Port:         port,
				Username:     nr.Username,
				Auth:         nr.Auth,
				SudoPassword: nr.SudoPassword,
			},
		})
	}

	m.mu.Lock()
	if _, exists := m.jobs[jobID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("job %q already exists", jobID)
	}
	m.jobs[jobID] = job
	m.mu.Unlock()

	go m.runJob(jobID)
	log.Printf("[inspection] job %s created with %d nodes, tests=%v", jobID, len(job.Nodes), job.Tests)
	return jobID, nil
}

// Get returns the sanitized view of one job.
func (m *Manager) Get(jobID string) (models.JobView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.JobView{}, false
	}
	return job.View(), true
}

// List snapshots every job.
func (m *Manager) List() []models.JobView {
	m.mu.Lock()
	defer m.mu.Unlock()
	views := make([]models.JobView, 0, len(m.jobs))
	for _, job := range m.jobs {
		views = append(views, job.View())
	}
	return views
}

// Stop raises the cancel latch and eagerly transitions the job and its
// non-terminal nodes to cancelled. Stopping a terminal job is an error and
// mutates nothing.
func (m *Manager) Stop(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %q not found", jobID)
	}
	switch job.Status {
	case models.JobStatusPending, models.JobStatusRunning, models.JobStatusCancelling:
	default:
		return fmt.Errorf("job %q is %s and cannot be stopped", jobID, job.Status)
	}

	job.Cancel.Raise()
	job.Status = models.JobStatusCancelled
	job.UpdatedAt = time.Now().UTC()
	now := time.Now().UTC()
	for _, node := range job.Nodes {
		if !node.Status.Terminal() {
			node.Status = models.NodeStatusCancelled
			if node.CompletedAt == nil {
				completedAt := now
				node.CompletedAt = &completedAt
			}
		}
	}
	log.Printf("[inspection] job %s cancelled", jobID)
	go m.publishStatus(jobID, string(models.JobStatusCancelled), "")
	return nil
}

// runJob is the per-job worker: fan out the node runners, merge results as
// they land, short-circuit on cancellation, then settle the job status.
func (m *Manager) runJob(jobID string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	latch := job.Cancel
	if latch.Raised() {
		m.mu.Unlock()
		m.finalizeCancelled(jobID)
		return
	}
	job.Status = models.JobStatusRunning
	job.UpdatedAt = time.Now().UTC()
	tests := append([]models.TestKind(nil), job.Tests...)
	dcgmLevel := job.DCGMLevel
	nodeCount := len(job.Nodes)
	m.mu.Unlock()

	m.publishStatus(jobID, string(models.JobStatusRunning), "")

	sem := make(chan struct{}, min(nodeCount, maxNodeConcurrency))
	done := make(chan struct{}, nodeCount)

	for i := 0; i < nodeCount; i++ {
		go func(idx int) {
			defer func() { done <- struct{}{} }()
			sem <- struct{}{}
			defer func() { <-sem }()
			m.runNode(jobID, idx, tests, dcgmLevel, latch)
		}(i)
	}

	for completed := 0; completed < nodeCount; completed++ {
		<-done
		if latch.Raised() {
			m.finalizeCancelled(jobID)
			return
		}
	}

	m.mu.Lock()
	job, ok = m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	job.UpdatedAt = time.Now().UTC()
	if latch.Raised() {
		m.mu.Unlock()
		m.finalizeCancelled(jobID)
		return
	}
	status := models.JobStatusCompleted
	for _, node := range job.Nodes {
		if node.Status != models.NodeStatusPassed {
			status = models.JobStatusFailed
			break
		}
	}
	job.Status = status
	m.mu.Unlock()

	log.Printf("[inspection] job %s finished: %s", jobID, status)
	m.publishStatus(jobID, string(status), "")
}

// runNode drives one node runner and merges its outcome into the record.
func (m *Manager) runNode(jobID string, idx int, tests []models.TestKind, dcgmLevel int, latch *CancelLatch) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok || idx >= len(job.Nodes) {
		m.mu.Unlock()
		return
	}
	node := job.Nodes[idx]
	conn := models.Connection{}
	if node.Connection != nil {
		conn = *node.Connection
	}
	if node.Status == models.NodeStatusPending {
		node.Status = models.NodeStatusRunning
		startedAt := time.Now().UTC()
		node.StartedAt = &startedAt
	}
	host := node.Host
	m.mu.Unlock()

	runner := &nodeRunner{
		conn:      conn,
		tests:     tests,
		dcgmLevel: dcgmLevel,
		latch:     latch,
		catalog:   m.catalog,
		assets:    m.assets,
		open:      m.open,
	}
	result := runner.run()

	m.mu.Lock()
	node.Connection = nil
	node.Results = result.Results
	node.GPUType = result.GPUType
	node.GPUList = result.GPUList
	node.ExecutionLog = result.ExecutionLog
	if node.CompletedAt == nil {
		completedAt := time.Now().UTC()
		node.CompletedAt = &completedAt
	}
	// A node already forced to cancelled by Stop keeps that status; the
	// runner's results stay attached as evidence.
	if !node.Status.Terminal() {
		node.Status = result.Status
	}
	status := node.Status
	m.mu.Unlock()

	m.publishStatus(jobID, string(status), host)
}

// finalizeCancelled settles a cancelled job without waiting for stragglers.
func (m *Manager) finalizeCancelled(jobID string) {
	m.mu.Lock()
	job, ok := m.jobs[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	job.Status = models.JobStatusCancelled
	job.UpdatedAt = time.Now().UTC()
	now := time.Now().UTC()
	for _, node := range job.Nodes {
		if !node.Status.Terminal() {
			node.Status = models.NodeStatusCancelled
			if node.CompletedAt == nil {
				completedAt := now
				node.CompletedAt = &completedAt
			}
		}
	}
	m.mu.Unlock()
	log.Printf("[inspection] job %s finalized as cancelled", jobID)
	m.publishStatus(jobID, string(models.JobStatusCancelled), "")
}

func knownTestKind(kind models.TestKind) bool {
	for _, k := range models.KnownTestKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
