package sandbox

import (
	"slices"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Paths hidden from, or frozen for, code running in a slot. The Docker
// engines get the same from the daemon's defaults.
var (
	maskedPaths = []string{
		"/proc/acpi", "/proc/kcore", "/proc/keys", "/proc/latency_stats",
		"/proc/timer_list", "/proc/timer_stats", "/proc/sched_debug",
		"/proc/scsi", "/sys/firmware", "/sys/devices/virtual/powercap",
	}
	readonlyPaths = []string{
		"/proc/asound", "/proc/bus", "/proc/fs", "/proc/irq",
		"/proc/sys", "/proc/sysrq-trigger",
	}
)

// isolatedNamespaces are created fresh for every slot. A new network
// namespace with no interfaces is how containerd slots get "no network".
var isolatedNamespaces = []specs.LinuxNamespaceType{
	specs.PIDNamespace,
	specs.NetworkNamespace,
	specs.MountNamespace,
	specs.UTSNamespace,
	specs.IPCNamespace,
}

// hardenSlotSpec locks down an OCI spec for a slot container: no
// capabilities, no privilege gain, read-only root, private namespaces and
// the given seccomp filter (nil means none). The job workspace is the only
// writable bind mount.
func hardenSlotSpec(s *specs.Spec, filter *specs.LinuxSeccomp, hostDir string) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Process == nil {
		s.Process = &specs.Process{}
	}

	none := []string{}
	s.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    none,
		Effective:   none,
		Inheritable: none,
		Permitted:   none,
		Ambient:     none,
	}
	s.Process.NoNewPrivileges = true
	s.Process.Env = append(s.Process.Env, "LANG=C.UTF-8")

	s.Linux.Seccomp = filter
	s.Linux.MaskedPaths = mergePaths(s.Linux.MaskedPaths, maskedPaths)
	s.Linux.ReadonlyPaths = mergePaths(s.Linux.ReadonlyPaths, readonlyPaths)

	// Drop any namespace path so nothing is shared with the host.
	namespaces := make([]specs.LinuxNamespace, 0, len(isolatedNamespaces))
	for _, t := range isolatedNamespaces {
		namespaces = append(namespaces, specs.LinuxNamespace{Type: t})
	}
	s.Linux.Namespaces = namespaces

	if s.Root != nil {
		s.Root.Readonly = true
	}

	if hostDir != "" {
		s.Mounts = appendIfNotExists(s.Mounts, specs.Mount{
			Destination: MountPoint,
			Type:        "bind",
			Source:      hostDir,
			Options:     []string{"rbind", "rw", "nosuid", "nodev"},
		})
	}
}

func mergePaths(have, add []string) []string {
	out := slices.Clone(have)
	for _, p := range add {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}
