package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// isolationProfile is the container hardening applied to every run: no
// capabilities, fresh namespaces, masked kernel surfaces, read-only rootfs.
// Only the bind-mounted workspace is writable (plus a bounded /tmp tmpfs).
type isolationProfile struct {
	namespaces    []specs.LinuxNamespace
	maskedPaths   []string
	readonlyPaths []string
}

func defaultIsolation() isolationProfile {
	return isolationProfile{
		namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
		},
		maskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/latency_stats",
			"/proc/timer_list",
			"/proc/timer_stats",
			"/proc/sched_debug",
			"/proc/scsi",
			"/sys/firmware",
		},
		readonlyPaths: []string{
			"/proc/asound",
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
	}
}

func applyIsolation(spec *specs.Spec, profile isolationProfile) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}
	if spec.Process.Capabilities == nil {
		spec.Process.Capabilities = &specs.LinuxCapabilities{}
	}

	empty := []string{}
	spec.Process.Capabilities.Bounding = empty
	spec.Process.Capabilities.Effective = empty
	spec.Process.Capabilities.Inheritable = empty
	spec.Process.Capabilities.Permitted = empty
	spec.Process.Capabilities.Ambient = empty

	spec.Linux.Namespaces = profile.namespaces
	spec.Linux.MaskedPaths = profile.maskedPaths
	spec.Linux.ReadonlyPaths = profile.readonlyPaths

	spec.Process.NoNewPrivileges = true

	if spec.Root != nil {
		spec.Root.Readonly = true
	}
}

func applyLimits(spec *specs.Spec, cpuShares, memoryMB, pidsLimit int64) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	// CFS quota gives a hard CPU cap; shares alone are best-effort.
	period := uint64(100000)
	quota := int64(float64(cpuShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000
	}
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := memoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: pidsLimit,
	}

	spec.Mounts = appendMountOnce(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", memoryBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
		{Type: "RLIMIT_NPROC", Hard: nonNegUint64(pidsLimit), Soft: nonNegUint64(pidsLimit)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
}

func nonNegUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendMountOnce(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
