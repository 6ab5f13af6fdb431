// Package inspection owns the bare-metal job orchestrator: job records, the
// per-node runners and the cancellation latch that ties them together.
package inspection

import (
	"sync"
	"time"

	"github.com/ghx-ops/console/pkg/models"
)

// CancelLatch is a one-way latch. Raise is idempotent; a raised latch never
// lowers. Runners poll it at step boundaries, so reads must be cheap and
// lock-free.
type CancelLatch struct {
	ch   chan struct{}
	once sync.Once
}

// NewCancelLatch returns an unraised latch.
func NewCancelLatch() *CancelLatch {
	return &CancelLatch{ch: make(chan struct{})}
}

// Raise trips the latch.
func (l *CancelLatch) Raise() {
	l.once.Do(func() { close(l.ch) })
}

// Raised reports whether the latch has been tripped.
func (l *CancelLatch) Raised() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// Job is the orchestrator-internal job record. It is mutated only under the
// manager's mutex; views handed to callers are copies.
type Job struct {
	JobID     string
	JobName   string
	CreatedAt time.Time
	UpdatedAt time.Time
	Status    models.JobStatus
	Tests     []models.TestKind
	DCGMLevel int
	Nodes     []*models.Node
	Cancel    *CancelLatch
}

// View renders the job for external consumption: node records are copied and
// the latch collapses to a boolean. Connections never serialize (json:"-"),
// and the copies here keep callers from racing the worker.
func (j *Job) View() models.JobView {
	nodes := make([]models.Node, len(j.Nodes))
	for i, n := range j.Nodes {
		node := *n
		node.Connection = nil
		if n.Results != nil {
			results := make(map[models.TestKind]models.TestResult, len(n.Results))
			for k, v := range n.Results {
				results[k] = v
			}
			node.Results = results
		}
		if n.GPUList != nil {
			node.GPUList = append([]string(nil), n.GPUList...)
		}
		nodes[i] = node
	}
	return models.JobView{
		JobID:     j.JobID,
		JobName:   j.JobName,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		Status:    j.Status,
		Tests:     append([]models.TestKind(nil), j.Tests...),
		DCGMLevel: j.DCGMLevel,
		Nodes:     nodes,
		Cancelled: j.Cancel.Raised(),
	}
}
