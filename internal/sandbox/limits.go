package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type ResourceLimits struct {
	CPUShares int64 `yaml:"cpu_shares" json:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `yaml:"memory_mb" json:"memory_mb"`   // Hard memory limit, swap included
	PidsLimit int64 `yaml:"pids_limit" json:"pids_limit"` // javac and the JVM both need a few dozen threads
	DiskMB    int64 `yaml:"disk_mb" json:"disk_mb"`       // Tmpfs size for /tmp
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 819, // 0.8 CPU
		MemoryMB:  512,
		PidsLimit: 100,
		DiskMB:    64,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUShares < 2 || rl.CPUShares > 4096 {
		return fmt.Errorf("%w: cpu_shares must be 2-4096, got %d", ErrInvalidRequest, rl.CPUShares)
	}
	if rl.MemoryMB < 128 || rl.MemoryMB > 4096 {
		return fmt.Errorf("%w: memory_mb must be 128-4096, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.PidsLimit < 20 || rl.PidsLimit > 1000 {
		return fmt.Errorf("%w: pids_limit must be 20-1000, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	if rl.DiskMB < 1 || rl.DiskMB > 1024 {
		return fmt.Errorf("%w: disk_mb must be 1-1024, got %d", ErrInvalidRequest, rl.DiskMB)
	}
	return nil
}

// CPUs renders the share count the way `docker --cpus` expects it.
func (rl ResourceLimits) CPUs() string {
	return fmt.Sprintf("%.1f", float64(rl.CPUShares)/1024.0)
}

// NanoCPUs is the Engine API form of CPUs.
func (rl ResourceLimits) NanoCPUs() int64 {
	return rl.CPUShares * 1_000_000_000 / 1024
}

func (rl ResourceLimits) MemoryBytes() int64 {
	return rl.MemoryMB * 1024 * 1024
}

func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	// CFS quota gives a hard cap; shares alone are best-effort.
	period := uint64(100000) // 100ms in microseconds
	quota := int64(float64(limits.CPUShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000
	}

	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryBytes()
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}

	tmpfsBytes := limits.DiskMB * 1024 * 1024
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}
	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
