package sandbox

import (
	"errors"
	"slices"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"compile-sandbox/internal/config"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.CPUShares != 819 {
		t.Errorf("CPUShares = %d, want 819", l.CPUShares)
	}
	if l.MemoryMB != 512 {
		t.Errorf("MemoryMB = %d, want 512", l.MemoryMB)
	}
	if l.PidsLimit != 100 {
		t.Errorf("PidsLimit = %d, want 100", l.PidsLimit)
	}
	if got := l.CPUs(); got != "0.8" {
		t.Errorf("CPUs() = %q, want 0.8", got)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v, want nil", err)
	}
}

func TestValidateLimits(t *testing.T) {
	tests := []struct {
		name   string
		limits ResourceLimits
	}{
		{"cpu over", ResourceLimits{CPUShares: 4097, MemoryMB: 512, PidsLimit: 100, DiskMB: 64}},
		{"memory under jvm floor", ResourceLimits{CPUShares: 819, MemoryMB: 64, PidsLimit: 100, DiskMB: 64}},
		{"pids under", ResourceLimits{CPUShares: 819, MemoryMB: 512, PidsLimit: 5, DiskMB: 64}},
		{"disk zero", ResourceLimits{CPUShares: 819, MemoryMB: 512, PidsLimit: 100, DiskMB: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Validate() = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestApplyResourceLimits(t *testing.T) {
	spec := &specs.Spec{}
	ApplyResourceLimits(spec, DefaultLimits())

	res := spec.Linux.Resources
	if *res.Memory.Limit != 512*1024*1024 {
		t.Errorf("memory limit = %d", *res.Memory.Limit)
	}
	if *res.Memory.Swap != *res.Memory.Limit {
		t.Errorf("swap = %d, want equal to memory", *res.Memory.Swap)
	}
	if res.Pids.Limit != 100 {
		t.Errorf("pids limit = %d, want 100", res.Pids.Limit)
	}
	if *res.CPU.Quota != 79980 {
		t.Errorf("cpu quota = %d, want 79980", *res.CPU.Quota)
	}
	if len(spec.Mounts) != 1 || spec.Mounts[0].Destination != "/tmp" {
		t.Errorf("mounts = %+v, want a /tmp tmpfs", spec.Mounts)
	}

	// Applying twice keeps a single /tmp mount.
	ApplyResourceLimits(spec, DefaultLimits())
	if len(spec.Mounts) != 1 {
		t.Errorf("mounts after reapply = %d, want 1", len(spec.Mounts))
	}
}

func TestHardenSlotSpec(t *testing.T) {
	spec := &specs.Spec{
		Root: &specs.Root{Path: "rootfs"},
		Linux: &specs.Linux{
			MaskedPaths: []string{"/proc/kcore", "/proc/custom"},
			Namespaces:  []specs.LinuxNamespace{{Type: specs.NetworkNamespace, Path: "/proc/1/ns/net"}},
		},
	}
	filter := &specs.LinuxSeccomp{DefaultAction: specs.ActErrno}
	hardenSlotSpec(spec, filter, "/srv/ws")

	if !spec.Process.NoNewPrivileges {
		t.Error("NoNewPrivileges = false, want true")
	}
	if len(spec.Process.Capabilities.Bounding) != 0 {
		t.Errorf("bounding caps = %v, want none", spec.Process.Capabilities.Bounding)
	}
	if !spec.Root.Readonly {
		t.Error("root should be read-only")
	}
	if spec.Linux.Seccomp != filter {
		t.Error("seccomp filter not applied")
	}

	hasNet := false
	for _, ns := range spec.Linux.Namespaces {
		if ns.Path != "" {
			t.Errorf("namespace %s joins %s, want a fresh one", ns.Type, ns.Path)
		}
		if ns.Type == specs.NetworkNamespace {
			hasNet = true
		}
		if ns.Type == specs.UserNamespace {
			t.Error("user namespace requires id mappings and must not be requested")
		}
	}
	if !hasNet {
		t.Error("missing network namespace")
	}

	kcore := 0
	for _, p := range spec.Linux.MaskedPaths {
		if p == "/proc/kcore" {
			kcore++
		}
	}
	if kcore != 1 || !slices.Contains(spec.Linux.MaskedPaths, "/proc/custom") {
		t.Errorf("masked paths = %v", spec.Linux.MaskedPaths)
	}

	if len(spec.Mounts) != 1 || spec.Mounts[0].Destination != MountPoint || spec.Mounts[0].Source != "/srv/ws" {
		t.Errorf("mounts = %+v, want the workspace at %s", spec.Mounts, MountPoint)
	}
}

func TestLimitsFromConfig(t *testing.T) {
	l := LimitsFromConfig(config.LimitsConfig{MemoryMB: 1024})
	if l.MemoryMB != 1024 {
		t.Errorf("MemoryMB = %d, want 1024", l.MemoryMB)
	}
	if l.PidsLimit != 100 {
		t.Errorf("PidsLimit = %d, want default 100", l.PidsLimit)
	}
}
