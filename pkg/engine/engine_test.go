package engine

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghx-ops/console/pkg/benchmark"
	"github.com/ghx-ops/console/pkg/models"
	"github.com/ghx-ops/console/pkg/sshx"
)

// fakeSession scripts remote command results by substring match, in rule
// order. Unmatched commands succeed with empty output.
type rule struct {
	match  string
	result *sshx.CommandResult
	err    error
}

type fakeSession struct {
	rules   []rule
	uploads []string
	ran     []string
}

func (f *fakeSession) Run(command string, _ time.Duration, _ bool) (*sshx.CommandResult, error) {
	f.ran = append(f.ran, command)
	for _, r := range f.rules {
		if strings.Contains(command, r.match) {
			if r.err != nil {
				return nil, r.err
			}
			return r.result, nil
		}
	}
	return &sshx.CommandResult{Command: command}, nil
}

func (f *fakeSession) Upload(localPath, remotePath string, _ bool) error {
	f.uploads = append(f.uploads, remotePath)
	return nil
}

func h100Engine(s Session) *Engine {
	return &Engine{
		Session: s,
		Catalog: benchmark.NewCatalog(map[string]map[string]float64{
			"H100": {"bw": 40, "p2p": 700, "nccl": 139},
		}),
		Assets:   Assets{Dir: "/opt/ghx/assets"},
		GPUType:  "H100",
		GPUCount: 8,
	}
}

func TestRunBandwidthPasses(t *testing.T) {
	s := &fakeSession{rules: []rule{
		{match: "host_to_device", result: &sshx.CommandResult{Stdout: "0  55.20\n"}},
		{match: "device_to_host", result: &sshx.CommandResult{Stdout: "0  54.80\n"}},
	}}
	result := h100Engine(s).RunBandwidth()

	assert.Equal(t, models.TestStatusPassed, result.Status)
	assert.Equal(t, 54.8, result.Value)
	assert.Equal(t, "GB/s", result.Unit)
	require.NotNil(t, result.Benchmark)
	assert.Equal(t, 40.0, *result.Benchmark)
	assert.Equal(t, 55.2, result.Details["h2d"])
	assert.Equal(t, 54.8, result.Details["d2h"])
	assert.Contains(t, s.uploads, "/tmp/ghx/nvbandwidth")
}

func TestRunBandwidthNonZeroExit(t *testing.T) {
	s := &fakeSession{rules: []rule{
		{match: "host_to_device", result: &sshx.CommandResult{ExitCode: 1}},
		{match: "device_to_host", result: &sshx.CommandResult{Stdout: "0 54.8\n"}},
	}}
	result := h100Engine(s).RunBandwidth()

	assert.Equal(t, models.TestStatusError, result.Status)
	assert.Contains(t, result.Message, "H2D=1")
}

func TestRunBandwidthNoParseableValues(t *testing.T) {
	s := &fakeSession{rules: []rule{
		{match: "host_to_device", result: &sshx.CommandResult{Stdout: "no rows\n"}},
		{match: "device_to_host", result: &sshx.CommandResult{Stdout: "still nothing\n"}},
	}}
	result := h100Engine(s).RunBandwidth()
	assert.Equal(t, models.TestStatusError, result.Status)
}

func TestRunBandwidthWithoutBenchmarkAlwaysPasses(t *testing.T) {
	s := &fakeSession{rules: []rule{
		{match: "host_to_device", result: &sshx.CommandResult{Stdout: "0  12.0\n"}},
		{match: "device_to_host", result: &sshx.CommandResult{Stdout: "0  11.5\n"}},
	}}
	eng := h100Engine(s)
	eng.GPUType = "UnknownGPU"
	result := eng.RunBandwidth()

	assert.Equal(t, models.TestStatusPassed, result.Status)
	assert.Nil(t, result.Benchmark)
}

func TestRunP2PShortfallFails(t *testing.T) {
	output := `Bidirectional P2P=Enabled Bandwidth Matrix (GB/s)
   D\D     0      1
     0 900.00 650.00
     1 655.00 901.00
P2P=Disabled Latency Matrix (us)
`
	s := &fakeSession{rules: []rule{
		{match: "p2pBandwidthLatencyTest", result: &sshx.CommandResult{Stdout: output}},
	}}
	result := h100Engine(s).RunP2P()

	assert.Equal(t, models.TestStatusFailed, result.Status)
	assert.Equal(t, 650.0, result.Value)
	assert.False(t, result.Passed)
}

func TestRunP2PTransportError(t *testing.T) {
	s := &fakeSession{rules: []rule{
		{match: "p2pBandwidthLatencyTest", err: fmt.Errorf("command timed out after 15m0s")},
	}}
	result := h100Engine(s).RunP2P()
	assert.Equal(t, models.TestStatusError, result.Status)
	assert.Contains(t, result.Message, "timed out")
}

func TestRunNCCLWithoutGPUs(t *testing.T) {
	s := &fakeSession{}
	eng := h100Engine(s)
	eng.GPUCount = 0
	result := eng.RunNCCL()

	assert.Equal(t, models.TestStatusError, result.Status)
	// Nothing may be staged or run when there are no GPUs.
	assert.Empty(t, s.uploads)
	assert.Empty(t, s.ran)
}

func TestRunNCCLPasses(t *testing.T) {
	s := &fakeSession{rules: []rule{
		{match: "tar -xzf", result: &sshx.CommandResult{}},
		{match: "[ -x /tmp/ghx/nccl-tests/build/all_reduce_perf ]", result: &sshx.CommandResult{Stdout: "OK\n"}},
		{match: "all_reduce_perf -b 1024", result: &sshx.CommandResult{Stdout: "# Avg bus bandwidth    : 145.3\n"}},
	}}
	result := h100Engine(s).RunNCCL()

	assert.Equal(t, models.TestStatusPassed, result.Status)
	assert.Equal(t, 145.3, result.Value)
	assert.Contains(t, s.uploads, "/tmp/ghx/nccl-tests.tgz")
}

func TestRunNCCLPerformanceShortfall(t *testing.T) {
	s := &fakeSession{rules: []rule{
		{match: "tar -xzf", result: &sshx.CommandResult{}},
		{match: "[ -x /tmp/ghx/nccl-tests/build/all_reduce_perf ]", result: &sshx.CommandResult{Stdout: "OK\n"}},
		{match: "all_reduce_perf -b 1024", result: &sshx.CommandResult{Stdout: "# Avg bus bandwidth    : 100.0\n"}},
	}}
	result := h100Engine(s).RunNCCL()

	assert.Equal(t, models.TestStatusFailed, result.Status)
	assert.Equal(t, 100.0, result.Value)
}

func TestRunNCCLMissingBinaryAfterExtract(t *testing.T) {
	s := &fakeSession{rules: []rule{
		{match: "tar -xzf", result: &sshx.CommandResult{}},
		{match: "[ -x /tmp/ghx/nccl-tests/build/all_reduce_perf ]", result: &sshx.CommandResult{Stdout: "MISSING\n"}},
	}}
	result := h100Engine(s).RunNCCL()
	assert.Equal(t, models.TestStatusError, result.Status)
}

func TestRunDCGM(t *testing.T) {
	s := &fakeSession{rules: []rule{
		{match: "dcgmi diag -r 3", result: &sshx.CommandResult{Stdout: "Diagnostic ... PASS\n"}},
	}}
	result := h100Engine(s).RunDCGM(3)

	assert.Equal(t, models.TestStatusPassed, result.Status)
	assert.Equal(t, 3, result.Level)
}

func TestRunDCGMFailure(t *testing.T) {
	s := &fakeSession{rules: []rule{
		{match: "dcgmi diag", result: &sshx.CommandResult{ExitCode: 1, Stderr: "GPU 3 failed"}},
	}}
	result := h100Engine(s).RunDCGM(2)
	assert.Equal(t, models.TestStatusFailed, result.Status)
}

func TestRunIBSentinelOverridesExitCode(t *testing.T) {
	s := &fakeSession{rules: []rule{
		{match: "ib_health_check.sh", result: &sshx.CommandResult{ExitCode: 2, Stdout: "警告\n通过模块: 10/10\n"}},
	}}
	result := h100Engine(s).RunIB()

	assert.Equal(t, models.TestStatusPassed, result.Status)
	assert.True(t, result.Passed)
}

func TestRunIBFailsWithoutSentinel(t *testing.T) {
	s := &fakeSession{rules: []rule{
		{match: "ib_health_check.sh", result: &sshx.CommandResult{ExitCode: 0, Stdout: "通过模块: 8/10\n"}},
	}}
	result := h100Engine(s).RunIB()
	assert.Equal(t, models.TestStatusFailed, result.Status)
}
