package inspection

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ghx-ops/console/pkg/benchmark"
	"github.com/ghx-ops/console/pkg/engine"
	"github.com/ghx-ops/console/pkg/models"
	"github.com/ghx-ops/console/pkg/sshx"
)

const discoveryTimeout = 300 * time.Second

// Session is what a runner needs from the transport: the engine's command
// surface plus scoped teardown.
type Session interface {
	engine.Session
	Close() error
}

// SessionOpener dials a node. Swapped for a fake in tests.
type SessionOpener func(conn models.Connection) (Session, error)

// OpenSSHSession is the production opener.
func OpenSSHSession(conn models.Connection) (Session, error) {
	return sshx.Open(conn)
}

// runnerResult is what a node runner hands back to the manager for merging.
type runnerResult struct {
	Status       models.NodeStatus
	Results      map[models.TestKind]models.TestResult
	GPUType      string
	GPUList      []string
	ExecutionLog string
}

// nodeRunner executes one node's selected tests over one session. It never
// panics outward; every failure lands in the result.
type nodeRunner struct {
	conn      models.Connection
	tests     []models.TestKind
	dcgmLevel int
	latch     *CancelLatch
	catalog   *benchmark.Catalog
	assets    engine.Assets
	open      SessionOpener
	logs      []string
}

func (r *nodeRunner) logf(format string, args ...any) {
	message := fmt.Sprintf(format, args...)
	r.logs = append(r.logs, time.Now().UTC().Format("2006-01-02 15:04:05")+" - "+message)
	log.Printf("[inspection] [%s] %s", r.conn.Addr(), message)
}

func (r *nodeRunner) trail() string {
	return strings.Join(r.logs, "\n")
}

func (r *nodeRunner) cancelledResult(results map[models.TestKind]models.TestResult) runnerResult {
	r.logf("job cancelled, stopping execution")
	return runnerResult{
		Status:       models.NodeStatusCancelled,
		Results:      results,
		ExecutionLog: r.trail(),
	}
}

// run walks the node check: latch, connect, scratch dir, GPU discovery,
// tests in declared order with a latch check before each, overall verdict.
func (r *nodeRunner) run() runnerResult {
	results := make(map[models.TestKind]models.TestResult)

	if r.latch.Raised() {
		return r.cancelledResult(results)
	}

	session, err := r.open(r.conn)
	if err != nil {
		// Transport failure before any test step ran: the whole node check
		// failed, there is no per-test result to attach an error to.
		r.logf("SSH connection failed: %v", err)
		return runnerResult{Status: models.NodeStatusFailed, Results: results, ExecutionLog: r.trail()}
	}
	defer session.Close()
	r.logf("SSH connection established")

	if _, err := session.Run(fmt.Sprintf("mkdir -p %s", engine.RemoteDir), 60*time.Second, false); err != nil {
		r.logf("creating scratch directory failed: %v", err)
		return runnerResult{Status: models.NodeStatusFailed, Results: results, ExecutionLog: r.trail()}
	}

	gpuType, gpuList := r.discoverGPUs(session)

	if r.latch.Raised() {
		res := r.cancelledResult(results)
		res.GPUType, res.GPUList = gpuType, gpuList
		return res
	}

	eng := &engine.Engine{
		Session:  session,
		Catalog:  r.catalog,
		Assets:   r.assets,
		GPUType:  gpuType,
		GPUCount: len(gpuList),
		Logf:     r.logf,
	}

	for _, kind := range r.tests {
		if r.latch.Raised() {
			res := r.cancelledResult(results)
			res.GPUType, res.GPUList = gpuType, gpuList
			return res
		}
		var result models.TestResult
		switch kind {
		case models.TestKindBandwidth:
			result = eng.RunBandwidth()
		case models.TestKindP2P:
			result = eng.RunP2P()
		case models.TestKindNCCL:
			result = eng.RunNCCL()
		case models.TestKindDCGM:
			result = eng.RunDCGM(r.dcgmLevel)
		case models.TestKindIB:
			result = eng.RunIB()
		default:
			result = models.TestResult{
				Status:  models.TestStatusSkipped,
				Message: fmt.Sprintf("unknown test kind %q", kind),
			}
		}
		results[kind] = result
		if result.RawOutput != "" {
			r.logf("%s output:\n%s", kind, result.RawOutput)
		}
	}

	status := models.NodeStatusPassed
	if r.latch.Raised() {
		status = models.NodeStatusCancelled
	} else {
		for _, result := range results {
			if result.Status != models.TestStatusPassed && result.Status != models.TestStatusSkipped {
				status = models.NodeStatusFailed
				break
			}
		}
	}
	return runnerResult{
		Status:       status,
		Results:      results,
		GPUType:      gpuType,
		GPUList:      gpuList,
		ExecutionLog: r.trail(),
	}
}

// discoverGPUs lists the node's GPU identities. Discovery is best-effort;
// a node without nvidia-smi reports Unknown and an empty list.
func (r *nodeRunner) discoverGPUs(session Session) (string, []string) {
	res, err := session.Run("nvidia-smi -L || true", discoveryTimeout, false)
	if err != nil {
		r.logf("GPU discovery failed: %v", err)
		return "Unknown", nil
	}
	var gpus []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			gpus = append(gpus, line)
		}
	}
	gpuType := "Unknown"
	if len(gpus) > 0 {
		gpuType = r.catalog.Normalize(gpus[0])
	}
	r.logf("detected GPU: %s (%d devices)", gpuType, len(gpus))
	return gpuType, gpus
}
