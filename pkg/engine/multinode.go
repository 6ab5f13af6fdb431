package engine

import (
	"fmt"
	"strings"
)

// HostfilePath is where hostfile content is staged on the primary node.
const HostfilePath = RemoteDir + "/hostfile"

// MPIParams are the optional tuning knobs for the multi-host NCCL run. A
// zero value leaves the corresponding flag off the command line.
type MPIParams struct {
	BtlTcpIf             string `json:"btlTcpIf,omitempty"`
	NcclSocketIfname     string `json:"ncclSocketIfname,omitempty"`
	NcclIbHca            string `json:"ncclIbHca,omitempty"`
	UcxNetDevices        string `json:"ucxNetDevices,omitempty"`
	NcclIbQps            string `json:"ncclIbQps,omitempty"`
	NcclPxnDisable       string `json:"ncclPxnDisable,omitempty"`
	NcclMinNchannels     string `json:"ncclMinNchannels,omitempty"`
	NcclNvlsEnable       string `json:"ncclNvlsEnable,omitempty"`
	SharpRelaxedOrdering bool   `json:"sharpRelaxedOrdering,omitempty"`
	Extra                string `json:"extra,omitempty"`
	GPUPerNode           int    `json:"gpuPerNode,omitempty"`
}

// BuildMPICommand composes the mpirun invocation for a multi-host
// all_reduce_perf run. With useHostfile the staged hostfile is referenced,
// otherwise the hosts are passed inline.
func BuildMPICommand(hosts []string, useHostfile bool, params MPIParams) string {
	parts := []string{
		"mpirun",
		fmt.Sprintf("-np %d", len(hosts)),
		"--allow-run-as-root",
		"-N 1",
	}

	if useHostfile {
		parts = append(parts, fmt.Sprintf("-hostfile %s", HostfilePath))
	} else {
		parts = append(parts, fmt.Sprintf("-host %s", strings.Join(hosts, ",")))
	}

	if params.BtlTcpIf != "" {
		parts = append(parts,
			fmt.Sprintf("--mca btl_tcp_if_include %s", params.BtlTcpIf),
			fmt.Sprintf("--mca oob_tcp_if_include %s", params.BtlTcpIf),
		)
	}
	if params.NcclSocketIfname != "" {
		parts = append(parts, fmt.Sprintf("-x NCCL_SOCKET_IFNAME=%s", params.NcclSocketIfname))
	}
	if params.NcclIbHca != "" {
		parts = append(parts, fmt.Sprintf("-x NCCL_IB_HCA=%s", params.NcclIbHca))
	}
	if params.UcxNetDevices != "" {
		parts = append(parts, fmt.Sprintf("-x UCX_NET_DEVICES=%s", params.UcxNetDevices))
	}
	if params.NcclIbQps != "" {
		parts = append(parts, fmt.Sprintf("-x NCCL_IB_QPS_PER_CONNECTION=%s", params.NcclIbQps))
	}
	if params.NcclPxnDisable != "" {
		parts = append(parts, fmt.Sprintf("-x NCCL_PXN_DISABLE=%s", params.NcclPxnDisable))
	}
	if params.NcclMinNchannels != "" {
		parts = append(parts, fmt.Sprintf("-x NCCL_MIN_NCHANNELS=%s", params.NcclMinNchannels))
	}
	if params.NcclNvlsEnable != "" {
		parts = append(parts, fmt.Sprintf("-x NCCL_NVLS_ENABLE=%s", params.NcclNvlsEnable))
	}
	if params.SharpRelaxedOrdering {
		parts = append(parts, "-x SHARP_COLL_ENABLE_PCI_RELAXED_ORDERING=1")
	}
	if params.Extra != "" {
		parts = append(parts, params.Extra)
	}

	gpuPerNode := params.GPUPerNode
	if gpuPerNode == 0 {
		gpuPerNode = 8
	}
	parts = append(parts, fmt.Sprintf("%s/nccl-tests/build/all_reduce_perf -b 128M -e 16G -f 2 -g %d", RemoteDir, gpuPerNode))

	return strings.Join(parts, " \\\n")
}
