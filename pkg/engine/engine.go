// Package engine stages, executes and grades the per-node diagnostic tests.
// It is transport-agnostic: anything satisfying Session can carry the
// commands, which keeps the whole pipeline testable without a live node.
package engine

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/ghx-ops/console/pkg/benchmark"
	"github.com/ghx-ops/console/pkg/models"
	"github.com/ghx-ops/console/pkg/sshx"
)

// RemoteDir is the scratch directory on targets where test artifacts are
// staged.
const RemoteDir = "/tmp/ghx"

// Per-test command deadlines
const (
	bandwidthTimeout = 600 * time.Second
	p2pTimeout       = 900 * time.Second
	ncclStageTimeout = 120 * time.Second
	ncclRunTimeout   = 600 * time.Second
	dcgmTimeout      = 1800 * time.Second
	ibTimeout        = 900 * time.Second
)

// Session is the slice of sshx.Session the engine needs.
type Session interface {
	Run(command string, timeout time.Duration, requireRoot bool) (*sshx.CommandResult, error)
	Upload(localPath, remotePath string, executable bool) error
}

// Assets locates the uploadable test binaries below the configured asset
// directory.
type Assets struct {
	Dir string
}

func (a Assets) Nvbandwidth() string { return filepath.Join(a.Dir, "nvbandwidth") }
func (a Assets) P2P() string         { return filepath.Join(a.Dir, "p2pBandwidthLatencyTest") }
func (a Assets) NCCLTests() string   { return filepath.Join(a.Dir, "nccl-tests.tgz") }
func (a Assets) IBCheck() string     { return filepath.Join(a.Dir, "ib_health_check.sh") }

// Engine runs the selected tests for a single node over one session.
type Engine struct {
	Session  Session
	Catalog  *benchmark.Catalog
	Assets   Assets
	GPUType  string
	GPUCount int
	Logf     func(format string, args ...any)
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logf != nil {
		e.Logf(format, args...)
	}
}

func (e *Engine) threshold(metric string) *float64 {
	if e.GPUType == "" {
		return nil
	}
	return e.Catalog.Threshold(e.GPUType, metric)
}

func errorResult(err error) models.TestResult {
	return models.TestResult{Status: models.TestStatusError, Message: err.Error()}
}

// gradeAgainst applies the pass rule shared by the numeric tests: absent
// threshold means no performance gate.
func gradeAgainst(value float64, threshold *float64) (models.TestStatus, bool) {
	passed := threshold == nil || value >= *threshold
	if passed {
		return models.TestStatusPassed, true
	}
	return models.TestStatusFailed, false
}

func (e *Engine) uploadAsset(localPath, remoteName string, executable bool) (string, error) {
	remotePath := path.Join(RemoteDir, remoteName)
	if err := e.Session.Upload(localPath, remotePath, executable); err != nil {
		return "", fmt.Errorf("uploading %s: %w", remoteName, err)
	}
	e.logf("uploaded %s -> %s", remoteName, remotePath)
	return remotePath, nil
}

// RunBandwidth measures host<->device copy bandwidth with nvbandwidth in
// both directions and grades the worse one against the "bw" threshold.
func (e *Engine) RunBandwidth() models.TestResult {
	remoteBin, err := e.uploadAsset(e.Assets.Nvbandwidth(), "nvbandwidth", true)
	if err != nil {
		e.logf("nvbandwidth test failed: %v", err)
		return errorResult(err)
	}

	h2d, err := e.Session.Run(fmt.Sprintf("cd %s && %s -t host_to_device_memcpy_ce", RemoteDir, remoteBin), bandwidthTimeout, true)
	if err != nil {
		e.logf("nvbandwidth h2d failed: %v", err)
		return errorResult(err)
	}
	d2h, err := e.Session.Run(fmt.Sprintf("cd %s && %s -t device_to_host_memcpy_ce", RemoteDir, remoteBin), bandwidthTimeout, true)
	if err != nil {
		e.logf("nvbandwidth d2h failed: %v", err)
		return errorResult(err)
	}
	if h2d.ExitCode != 0 || d2h.ExitCode != 0 {
		err := fmt.Errorf("nvbandwidth exited non-zero: H2D=%d, D2H=%d", h2d.ExitCode, d2h.ExitCode)
		e.logf("nvbandwidth test failed: %v", err)
		return errorResult(err)
	}

	h2dValue := ParseNvbandwidth(h2d.Stdout)
	d2hValue := ParseNvbandwidth(d2h.Stdout)
	value := 0.0
	for _, v := range []float64{h2dValue, d2hValue} {
		if v > 0 && (value == 0 || v < value) {
			value = v
		}
	}
	if value == 0 {
		err := fmt.Errorf("nvbandwidth produced no parseable bandwidth values")
		e.logf("nvbandwidth test failed: %v", err)
		return errorResult(err)
	}

	threshold := e.threshold(benchmark.MetricBandwidth)
	status, passed := gradeAgainst(value, threshold)
	e.logf("nvbandwidth test done: %.1f GB/s", value)
	return models.TestResult{
		Status:    status,
		Value:     value,
		Unit:      "GB/s",
		Benchmark: threshold,
		Passed:    passed,
		Details:   map[string]float64{"h2d": h2dValue, "d2h": d2hValue},
		RawOutput: h2d.Stdout + "\n" + d2h.Stdout,
	}
}

// RunP2P measures peer-to-peer bandwidth and grades the worst off-diagonal
// pair against the "p2p" threshold.
func (e *Engine) RunP2P() models.TestResult {
	remoteBin, err := e.uploadAsset(e.Assets.P2P(), "p2pBandwidthLatencyTest", true)
	if err != nil {
		e.logf("p2p test failed: %v", err)
		return errorResult(err)
	}
	res, err := e.Session.Run(fmt.Sprintf("cd %s && %s", RemoteDir, remoteBin), p2pTimeout, true)
	if err != nil {
		e.logf("p2p test failed: %v", err)
		return errorResult(err)
	}
	if res.ExitCode != 0 {
		msg := res.Stderr
		if msg == "" {
			msg = "p2pBandwidthLatencyTest exited non-zero"
		}
		e.logf("p2p test failed: %s", msg)
		return models.TestResult{Status: models.TestStatusError, Message: msg, RawOutput: res.Stdout}
	}
	value := ParseP2P(res.Stdout)
	if value <= 0 {
		err := fmt.Errorf("p2p output contained no usable bandwidth matrix")
		e.logf("p2p test failed: %v", err)
		return models.TestResult{Status: models.TestStatusError, Message: err.Error(), RawOutput: res.Stdout}
	}
	threshold := e.threshold(benchmark.MetricP2P)
	status, passed := gradeAgainst(value, threshold)
	e.logf("p2p test done: %.1f GB/s", value)
	return models.TestResult{
		Status:    status,
		Value:     value,
		Unit:      "GB/s",
		Benchmark: threshold,
		Passed:    passed,
		RawOutput: res.Stdout,
	}
}

// RunNCCL stages the prebuilt nccl-tests archive, runs all_reduce_perf
// across every local GPU and grades the average bus bandwidth.
func (e *Engine) RunNCCL() models.TestResult {
	if e.GPUCount == 0 {
		err := fmt.Errorf("no GPUs detected, cannot run NCCL test")
		e.logf("nccl test failed: %v", err)
		return errorResult(err)
	}

	remoteTgz, err := e.uploadAsset(e.Assets.NCCLTests(), "nccl-tests.tgz", false)
	if err != nil {
		e.logf("nccl test failed: %v", err)
		return errorResult(err)
	}

	testDir := path.Join(RemoteDir, "nccl-tests")
	stage := fmt.Sprintf("rm -rf %s && tar -xzf %s -C %s && rm -f %s", testDir, remoteTgz, RemoteDir, remoteTgz)
	if res, err := e.Session.Run(stage, ncclStageTimeout, false); err != nil {
		e.logf("nccl staging failed: %v", err)
		return errorResult(err)
	} else if res.ExitCode != 0 {
		err := fmt.Errorf("extracting nccl-tests failed: %s", firstNonEmpty(res.Stderr, res.Stdout))
		e.logf("nccl staging failed: %v", err)
		return errorResult(err)
	}

	perfBin := path.Join(testDir, "build", "all_reduce_perf")
	check, err := e.Session.Run(fmt.Sprintf("[ -x %s ] && echo OK || echo MISSING", perfBin), 60*time.Second, false)
	if err != nil {
		e.logf("nccl test failed: %v", err)
		return errorResult(err)
	}
	if strings.TrimSpace(check.Stdout) != "OK" {
		err := fmt.Errorf("%s missing or not executable after extraction", perfBin)
		e.logf("nccl test failed: %v", err)
		return errorResult(err)
	}

	e.logf("running NCCL all_reduce_perf on %d GPUs", e.GPUCount)
	res, err := e.Session.Run(fmt.Sprintf("%s -b 1024 -e 1G -f 2 -g %d", perfBin, e.GPUCount), ncclRunTimeout, true)
	if err != nil {
		e.logf("nccl test failed: %v", err)
		return errorResult(err)
	}
	if res.ExitCode != 0 {
		msg := firstNonEmpty(res.Stderr, "all_reduce_perf exited non-zero")
		e.logf("nccl test failed: %s", msg)
		return models.TestResult{Status: models.TestStatusError, Message: msg, RawOutput: res.Stdout}
	}
	value := ParseNCCL(res.Stdout)
	if value <= 0 {
		err := fmt.Errorf("NCCL output contained no average bus bandwidth")
		e.logf("nccl test failed: %v", err)
		return models.TestResult{Status: models.TestStatusError, Message: err.Error(), RawOutput: res.Stdout}
	}
	threshold := e.threshold(benchmark.MetricNCCL)
	status, passed := gradeAgainst(value, threshold)
	e.logf("nccl test done: %.1f GB/s", value)
	return models.TestResult{
		Status:    status,
		Value:     value,
		Unit:      "GB/s",
		Benchmark: threshold,
		Passed:    passed,
		RawOutput: res.Stdout,
	}
}

// RunDCGM runs the vendor diagnostic at the requested level. The exit code
// alone decides the verdict.
func (e *Engine) RunDCGM(level int) models.TestResult {
	res, err := e.Session.Run(fmt.Sprintf("dcgmi diag -r %d", level), dcgmTimeout, true)
	if err != nil {
		e.logf("dcgm diag failed: %v", err)
		return errorResult(err)
	}
	passed := ParseDCGM(res.ExitCode)
	status := models.TestStatusFailed
	if passed {
		status = models.TestStatusPassed
	}
	e.logf("dcgm diag done, status: %s", status)
	return models.TestResult{
		Status:    status,
		Passed:    passed,
		Level:     level,
		RawOutput: firstNonEmpty(res.Stdout, res.Stderr),
	}
}

// RunIB stages and runs the InfiniBand health script. The pass sentinel in
// the combined output dominates the exit code.
func (e *Engine) RunIB() models.TestResult {
	remoteScript, err := e.uploadAsset(e.Assets.IBCheck(), "ib_health_check.sh", true)
	if err != nil {
		e.logf("ib check failed: %v", err)
		return errorResult(err)
	}
	cmd := fmt.Sprintf(
		`cd %s && export TERM=xterm; export PATH="/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin:/opt/ib_health_check:$PATH"; %s`,
		RemoteDir, remoteScript,
	)
	res, err := e.Session.Run(cmd, ibTimeout, true)
	if err != nil {
		e.logf("ib check failed: %v", err)
		return errorResult(err)
	}
	output := res.Stdout + res.Stderr
	passed := ParseIB(output, res.ExitCode)
	status := models.TestStatusFailed
	if passed {
		status = models.TestStatusPassed
	}
	e.logf("ib check done, status: %s", status)
	return models.TestResult{
		Status:    status,
		Passed:    passed,
		RawOutput: firstNonEmpty(output, res.Stderr, res.Stdout),
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
