package handlers

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ghx-ops/console/pkg/benchmark"
	"github.com/ghx-ops/console/pkg/inspection"
	"github.com/ghx-ops/console/pkg/models"
	"github.com/ghx-ops/console/pkg/sshx"
)

const probeTimeout = 30 * time.Second

// SSHHandlers serves the connection diagnostics endpoints.
type SSHHandlers struct {
	open    inspection.SessionOpener
	catalog *benchmark.Catalog
}

// NewSSHHandlers creates the handler set.
func NewSSHHandlers(open inspection.SessionOpener, catalog *benchmark.Catalog) *SSHHandlers {
	return &SSHHandlers{open: open, catalog: catalog}
}

type connectionRequest struct {
	Connection models.Connection `json:"connection"`
	Commands   []string          `json:"commands,omitempty"`
}

func validateConnection(conn models.Connection) error {
	if conn.Host == "" || conn.Username == "" || conn.Auth.Type == "" {
		return fmt.Errorf("connection is missing host, username or auth")
	}
	if conn.Auth.Type == "privateKey" {
		if _, err := sshx.ParsePrivateKey(conn.Auth.Value, conn.Auth.Passphrase); err != nil {
			return fmt.Errorf("invalid private key: %w", err)
		}
	}
	return nil
}

// TestConnection dials a node and returns a compact diagnostic blob
// POST /api/ssh/test-connection
func (h *SSHHandlers) TestConnection(c *fiber.Ctx) error {
	var req connectionRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := validateConnection(req.Connection); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	log.Printf("[ssh] testing connection to %s@%s", req.Connection.Username, req.Connection.Addr())

	session, err := h.open(req.Connection)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	defer session.Close()

	hostname, err := session.Run("hostname", probeTimeout, false)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	gpus, err := session.Run("nvidia-smi -L || true", probeTimeout, false)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	driver, err := session.Run("nvidia-smi --query-gpu=driver_version --format=csv,noheader | head -n 1 || true", probeTimeout, false)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	internalIP, err := session.Run(`ip route get 1.1.1.1 2>/dev/null | grep -oP 'src \K[0-9.]+' | head -n 1 || hostname -I | awk '{print $1}'`, probeTimeout, false)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}

	var gpuLines []string
	for _, line := range strings.Split(gpus.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			gpuLines = append(gpuLines, line)
		}
	}
	gpuModel := "Unknown"
	if len(gpuLines) > 0 {
		gpuModel = h.catalog.Normalize(gpuLines[0])
	}

	return ok(c, fiber.Map{
		"hostname":      strings.TrimSpace(hostname.Stdout),
		"gpus":          gpuLines,
		"gpuModel":      gpuModel,
		"gpuCount":      len(gpuLines),
		"driverVersion": strings.TrimSpace(driver.Stdout),
		"internalIp":    strings.TrimSpace(internalIP.Stdout),
	}, "SSH connection successful")
}

// CheckCommands runs the closed probe menu against a node
// POST /api/ssh/check-commands
func (h *SSHHandlers) CheckCommands(c *fiber.Ctx) error {
	var req connectionRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := validateConnection(req.Connection); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	if len(req.Commands) == 0 {
		return fail(c, fiber.StatusBadRequest, "commands must not be empty")
	}

	session, err := h.open(req.Connection)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	defer session.Close()

	results := make(map[string]bool, len(req.Commands))
	for _, cmd := range req.Commands {
		passed, err := runProbe(session, cmd)
		if err != nil {
			return fail(c, fiber.StatusBadRequest, err.Error())
		}
		results[cmd] = passed
	}

	versions, err := collectVersions(session)
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	return ok(c, fiber.Map{"commands": results, "versions": versions}, "command check complete")
}

// runProbe executes one entry of the probe menu.
func runProbe(session inspection.Session, cmd string) (bool, error) {
	switch {
	case cmd == "libnccl2" || cmd == "libnccl-dev":
		res, err := session.Run(fmt.Sprintf("apt list --installed 2>/dev/null | grep -E '^%s/' || true", cmd), probeTimeout, true)
		if err != nil {
			return false, err
		}
		return hasInstalledMarker(res.Stdout), nil

	case cmd == "nvidia_peermem":
		res, err := session.Run("lsmod | grep nvidia_peermem || true", probeTimeout, false)
		if err != nil {
			return false, err
		}
		return strings.TrimSpace(res.Stdout) != "", nil

	case cmd == "nouveau_unloaded":
		res, err := session.Run("lsmod | grep nouveau || true", probeTimeout, false)
		if err != nil {
			return false, err
		}
		return strings.TrimSpace(res.Stdout) == "", nil

	case cmd == "acsctl_disabled":
		res, err := session.Run("lspci -vvv 2>/dev/null | grep -i acsctl || true", probeTimeout, true)
		if err != nil {
			return false, err
		}
		output := strings.TrimSpace(res.Stdout)
		// No ACSCtl rows means the devices do not support ACS; treat as
		// disabled. Any '+' flag means ACS is still partially on.
		return output == "" || !strings.Contains(output, "+"), nil

	case cmd == "nvidia_fabricmanager_active":
		res, err := session.Run("systemctl is-active nvidia-fabricmanager.service 2>/dev/null || echo inactive", probeTimeout, false)
		if err != nil {
			return false, err
		}
		return strings.TrimSpace(res.Stdout) == "active", nil

	case cmd == "ulimit_max_locked_memory":
		return checkUlimitUnlimited(session, "max locked memory")

	case cmd == "ulimit_max_memory_size":
		return checkUlimitUnlimited(session, "max memory size")

	case strings.Contains(cmd, "/"):
		res, err := session.Run(fmt.Sprintf("[ -x %s ] && echo OK || echo MISSING", cmd), probeTimeout, false)
		if err != nil {
			return false, err
		}
		return strings.TrimSpace(res.Stdout) == "OK", nil

	default:
		res, err := session.Run(fmt.Sprintf("command -v %s >/dev/null 2>&1 && echo OK || echo MISSING", cmd), probeTimeout, false)
		if err != nil {
			return false, err
		}
		return strings.TrimSpace(res.Stdout) == "OK", nil
	}
}

// checkUlimitUnlimited runs ulimit -a as root (the tests run as root, so
// the root limits are the ones that matter) and checks one row.
func checkUlimitUnlimited(session inspection.Session, row string) (bool, error) {
	res, err := session.Run("ulimit -a 2>/dev/null", probeTimeout, true)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if !strings.Contains(strings.ToLower(line), row) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			return false, nil
		}
		return strings.EqualFold(fields[len(fields)-1], "unlimited"), nil
	}
	return false, nil
}

// hasInstalledMarker reports whether an apt list row carries [installed].
func hasInstalledMarker(output string) bool {
	open := strings.IndexByte(output, '[')
	if open < 0 {
		return false
	}
	closing := strings.IndexByte(output[open:], ']')
	if closing < 0 {
		return false
	}
	return strings.Contains(strings.ToLower(output[open:open+closing]), "installed")
}

var (
	cudaReleaseRe  = regexp.MustCompile(`release\s+(\d+\.\d+)`)
	cudaVersionRe  = regexp.MustCompile(`V(\d+\.\d+)`)
	ncclVersionRe  = regexp.MustCompile(`(\d+\.\d+\.\d+)-\d+\+cuda(\d+\.\d+)`)
	ncclCudaLoose  = regexp.MustCompile(`cuda(\d+\.\d+)`)
	warningPrefix  = "WARNING:"
	installedSplit = "[installed]"
)

// ExtractCudaVersion pulls the CUDA release out of `nvcc --version` output.
func ExtractCudaVersion(nvccOutput string) string {
	if m := cudaReleaseRe.FindStringSubmatch(nvccOutput); m != nil {
		return m[1]
	}
	if m := cudaVersionRe.FindStringSubmatch(nvccOutput); m != nil {
		return m[1]
	}
	return ""
}

// ExtractNcclCudaVersion pulls the CUDA version of an installed NCCL
// package out of `apt list --installed` output. Only the version before the
// [installed] marker counts; "upgradable to" versions do not.
func ExtractNcclCudaVersion(aptOutput, packageName string) string {
	for _, line := range strings.Split(aptOutput, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, warningPrefix) {
			continue
		}
		if !strings.Contains(line, packageName) || !hasInstalledMarker(line) {
			continue
		}
		installedPart := line
		if idx := strings.Index(line, installedSplit); idx >= 0 {
			installedPart = line[:idx]
		}
		if m := ncclVersionRe.FindStringSubmatch(installedPart); m != nil {
			return m[2]
		}
		if m := ncclCudaLoose.FindStringSubmatch(installedPart); m != nil {
			return m[1]
		}
	}
	return ""
}

func collectVersions(session inspection.Session) (fiber.Map, error) {
	nvcc, err := session.Run("/usr/local/cuda/bin/nvcc --version 2>/dev/null || true", probeTimeout, false)
	if err != nil {
		return nil, err
	}
	apt, err := session.Run("apt list --installed 2>/dev/null | grep -E '^libnccl' || true", probeTimeout, true)
	if err != nil {
		return nil, err
	}

	nvccVersion := ExtractCudaVersion(nvcc.Stdout)
	libnccl2 := ExtractNcclCudaVersion(apt.Stdout, "libnccl2")
	libncclDev := ExtractNcclCudaVersion(apt.Stdout, "libnccl-dev")
	match := nvccVersion != "" && nvccVersion == libnccl2 && nvccVersion == libncclDev
	return fiber.Map{
		"nvcc":         nvccVersion,
		"libnccl2":     libnccl2,
		"libncclDev":   libncclDev,
		"versionMatch": match,
	}, nil
}
