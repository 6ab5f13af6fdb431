package inspection

import (
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghx-ops/console/pkg/engine"
	"github.com/ghx-ops/console/pkg/models"
)

const multiNodeRunTimeout = 1800 * time.Second

// Non-interactive options for the ssh/scp hops the primary node makes to its
// peers while staging.
const sshBatchOpts = "-o StrictHostKeyChecking=no -o BatchMode=yes -o ConnectTimeout=10"

// maxStageConcurrency bounds concurrent per-host staging pushes.
const maxStageConcurrency = 10

// MultiNodeRequest submits an mpirun-driven all_reduce_perf run across
// several hosts, driven from the first host (or the hostfile's first entry).
type MultiNodeRequest struct {
	Hosts           []string          `json:"hosts,omitempty"`
	HostfileContent string            `json:"hostfileContent,omitempty"`
	MPIParams       engine.MPIParams  `json:"mpiParams"`
	Connection      models.Connection `json:"connection"`
}

// MultiNodeTest tracks one multi-host run.
type MultiNodeTest struct {
	TestID      string           `json:"testId"`
	Status      models.JobStatus `json:"status"`
	Hosts       []string         `json:"hosts"`
	Command     string           `json:"command,omitempty"`
	Value       float64          `json:"value,omitempty"`
	Unit        string           `json:"unit,omitempty"`
	RawOutput   string           `json:"rawOutput,omitempty"`
	Message     string           `json:"message,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// SubmitMultiNode validates the request and spawns the background run.
func (m *Manager) SubmitMultiNode(req MultiNodeRequest) (string, error) {
	hosts := req.Hosts
	if req.HostfileContent != "" {
		hosts = nil
		for _, line := range strings.Split(req.HostfileContent, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				hosts = append(hosts, line)
			}
		}
	}
	if len(hosts) < 2 {
		return "", fmt.Errorf("multi-node test needs at least 2 hosts")
	}
	if req.Connection.Host == "" || req.Connection.Username == "" || req.Connection.Auth.Type == "" {
		return "", fmt.Errorf("connection is missing host, username or auth")
	}

	testID := "multinode-" + uuid.NewString()[:8]
	test := &MultiNodeTest{
		TestID:    testID,
		Status:    models.JobStatusPending,
		Hosts:     hosts,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	if m.multiNode == nil {
		m.multiNode = make(map[string]*MultiNodeTest)
	}
	m.multiNode[testID] = test
	m.mu.Unlock()

	go m.runMultiNode(testID, req, hosts)
	return testID, nil
}

// GetMultiNode returns the state of one multi-node run.
func (m *Manager) GetMultiNode(testID string) (MultiNodeTest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	test, ok := m.multiNode[testID]
	if !ok {
		return MultiNodeTest{}, false
	}
	return *test, true
}

func (m *Manager) updateMultiNode(testID string, mutate func(*MultiNodeTest)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if test, ok := m.multiNode[testID]; ok {
		mutate(test)
	}
}

func (m *Manager) failMultiNode(testID, message string) {
	log.Printf("[inspection] multi-node test %s failed: %s", testID, message)
	m.updateMultiNode(testID, func(t *MultiNodeTest) {
		t.Status = models.JobStatusFailed
		t.Message = message
		completedAt := time.Now().UTC()
		t.CompletedAt = &completedAt
	})
}

func (m *Manager) runMultiNode(testID string, req MultiNodeRequest, hosts []string) {
	m.updateMultiNode(testID, func(t *MultiNodeTest) {
		t.Status = models.JobStatusRunning
		startedAt := time.Now().UTC()
		t.StartedAt = &startedAt
	})

	session, err := m.open(req.Connection)
	if err != nil {
		m.failMultiNode(testID, fmt.Sprintf("connecting to primary node: %v", err))
		return
	}
	defer session.Close()

	if _, err := session.Run(fmt.Sprintf("mkdir -p %s", engine.RemoteDir), 60*time.Second, false); err != nil {
		m.failMultiNode(testID, fmt.Sprintf("creating scratch directory: %v", err))
		return
	}

	useHostfile := req.HostfileContent != ""
	if useHostfile {
		stage := fmt.Sprintf("cat > %s << 'EOF'\n%s\nEOF", engine.HostfilePath, strings.TrimSpace(req.HostfileContent))
		if _, err := session.Run(stage, 60*time.Second, false); err != nil {
			m.failMultiNode(testID, fmt.Sprintf("staging hostfile: %v", err))
			return
		}
	}

	// mpirun launches all_reduce_perf on every listed host, so the prebuilt
	// nccl-tests tree must exist on each of them, not just the primary.
	// Stage the primary first, then replicate to the others over the
	// primary's own ssh/scp (the hosts reach each other by internal IP).
	perfBin := path.Join(engine.RemoteDir, "nccl-tests", "build", "all_reduce_perf")
	remoteTgz := path.Join(engine.RemoteDir, "nccl-tests.tgz")
	check, err := session.Run(fmt.Sprintf("[ -x %s ] && echo OK || echo MISSING", perfBin), 60*time.Second, false)
	if err != nil {
		m.failMultiNode(testID, fmt.Sprintf("checking nccl-tests: %v", err))
		return
	}
	if strings.TrimSpace(check.Stdout) != "OK" {
		if err := session.Upload(m.assets.NCCLTests(), remoteTgz, false); err != nil {
			m.failMultiNode(testID, fmt.Sprintf("uploading nccl-tests archive: %v", err))
			return
		}
		// The archive is kept around until the other hosts are staged.
		stage := fmt.Sprintf("rm -rf %s/nccl-tests && tar -xzf %s -C %s",
			engine.RemoteDir, remoteTgz, engine.RemoteDir)
		if res, err := session.Run(stage, 120*time.Second, false); err != nil {
			m.failMultiNode(testID, fmt.Sprintf("extracting nccl-tests: %v", err))
			return
		} else if res.ExitCode != 0 {
			m.failMultiNode(testID, fmt.Sprintf("extracting nccl-tests: %s", firstNonEmpty(res.Stderr, res.Stdout)))
			return
		}
	}

	if err := m.stageOtherHosts(testID, session, hosts[1:], perfBin, remoteTgz); err != nil {
		m.failMultiNode(testID, err.Error())
		return
	}
	session.Run(fmt.Sprintf("rm -f %s", remoteTgz), 60*time.Second, false)

	command := engine.BuildMPICommand(hosts, useHostfile, req.MPIParams)
	m.updateMultiNode(testID, func(t *MultiNodeTest) { t.Command = command })
	log.Printf("[inspection] multi-node test %s running across %d hosts", testID, len(hosts))

	res, err := session.Run(command, multiNodeRunTimeout, true)
	if err != nil {
		m.failMultiNode(testID, fmt.Sprintf("running mpirun: %v", err))
		return
	}
	if res.ExitCode != 0 {
		m.updateMultiNode(testID, func(t *MultiNodeTest) {
			t.Status = models.JobStatusFailed
			t.Message = firstNonEmpty(res.Stderr, "mpirun exited non-zero")
			t.RawOutput = res.Stdout
			completedAt := time.Now().UTC()
			t.CompletedAt = &completedAt
		})
		return
	}

	value := engine.ParseNCCL(res.Stdout)
	m.updateMultiNode(testID, func(t *MultiNodeTest) {
		if value > 0 {
			t.Status = models.JobStatusCompleted
			t.Value = value
			t.Unit = "GB/s"
		} else {
			t.Status = models.JobStatusFailed
			t.Message = "mpirun output contained no average bus bandwidth"
		}
		t.RawOutput = res.Stdout
		completedAt := time.Now().UTC()
		t.CompletedAt = &completedAt
	})
	log.Printf("[inspection] multi-node test %s finished: %.1f GB/s", testID, value)
}

// stageOtherHosts makes sure every non-primary host carries the nccl-tests
// tree, pushing the archive from the primary over ssh/scp where it is
// missing. A host the primary cannot reach fails the whole run.
func (m *Manager) stageOtherHosts(testID string, session Session, others []string, perfBin, remoteTgz string) error {
	if len(others) == 0 {
		return nil
	}

	var missing []string
	for _, host := range others {
		probe := fmt.Sprintf("ssh %s %s '[ -x %s ] && echo OK || echo MISSING'", sshBatchOpts, host, perfBin)
		res, err := session.Run(probe, 60*time.Second, true)
		if err != nil {
			return fmt.Errorf("probing %s for nccl-tests: %w", host, err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("cannot reach %s from the primary node: %s", host, firstNonEmpty(res.Stderr, res.Stdout))
		}
		if strings.TrimSpace(res.Stdout) != "OK" {
			missing = append(missing, host)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	// The pushes need the archive on the primary even when its own tree
	// pre-existed and nothing was uploaded this run.
	check, err := session.Run(fmt.Sprintf("[ -f %s ] && echo OK || echo MISSING", remoteTgz), 60*time.Second, false)
	if err != nil {
		return fmt.Errorf("checking nccl-tests archive on primary: %w", err)
	}
	if strings.TrimSpace(check.Stdout) != "OK" {
		if err := session.Upload(m.assets.NCCLTests(), remoteTgz, false); err != nil {
			return fmt.Errorf("uploading nccl-tests archive: %w", err)
		}
	}

	log.Printf("[inspection] multi-node test %s staging nccl-tests on %d hosts", testID, len(missing))
	sem := make(chan struct{}, min(len(missing), maxStageConcurrency))
	errs := make(chan error, len(missing))
	var wg sync.WaitGroup
	for _, host := range missing {
		wg.Add(1)
		go func(host string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			errs <- m.stageHost(session, host, perfBin, remoteTgz)
		}(host)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// stageHost copies the archive to one peer and extracts it there.
func (m *Manager) stageHost(session Session, host, perfBin, remoteTgz string) error {
	push := fmt.Sprintf("ssh %s %s 'mkdir -p %s' && scp %s %s %s:%s",
		sshBatchOpts, host, engine.RemoteDir, sshBatchOpts, remoteTgz, host, remoteTgz)
	if res, err := session.Run(push, 300*time.Second, true); err != nil {
		return fmt.Errorf("copying nccl-tests to %s: %w", host, err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("copying nccl-tests to %s: %s", host, firstNonEmpty(res.Stderr, res.Stdout))
	}

	extract := fmt.Sprintf("ssh %s %s 'rm -rf %s/nccl-tests && tar -xzf %s -C %s && rm -f %s && [ -x %s ]'",
		sshBatchOpts, host, engine.RemoteDir, remoteTgz, engine.RemoteDir, remoteTgz, perfBin)
	if res, err := session.Run(extract, 120*time.Second, true); err != nil {
		return fmt.Errorf("extracting nccl-tests on %s: %w", host, err)
	} else if res.ExitCode != 0 {
		return fmt.Errorf("extracting nccl-tests on %s: %s", host, firstNonEmpty(res.Stderr, res.Stdout))
	}
	return nil
}
