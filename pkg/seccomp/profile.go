// Package seccomp builds the syscall filter applied to slot containers and
// renders it for the engines that cannot take an OCI profile directly.
package seccomp

import (
	"slices"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Builder accumulates syscall rules on top of a deny-by-default profile.
type Builder struct {
	archs []specs.Arch
	rules []specs.LinuxSyscall
}

func NewBuilder() *Builder {
	return &Builder{archs: []specs.Arch{specs.ArchX86_64, specs.ArchAARCH64}}
}

func (b *Builder) add(action specs.LinuxSeccompAction, names []string, args []specs.LinuxSeccompArg) *Builder {
	if len(names) == 0 {
		return b
	}
	rule := specs.LinuxSyscall{Names: slices.Clone(names), Action: action, Args: args}
	if action == specs.ActErrno {
		eperm := uint(syscall.EPERM)
		rule.ErrnoRet = &eperm
	}
	b.rules = append(b.rules, rule)
	return b
}

func (b *Builder) AllowSyscalls(names ...string) *Builder {
	return b.add(specs.ActAllow, names, nil)
}

// BlockSyscalls fails the named calls with EPERM instead of the default errno.
func (b *Builder) BlockSyscalls(names ...string) *Builder {
	return b.add(specs.ActErrno, names, nil)
}

func (b *Builder) LogSyscalls(names ...string) *Builder {
	return b.add(specs.ActLog, names, nil)
}

// TrapSyscalls delivers SIGSYS, which kills a JVM outright.
func (b *Builder) TrapSyscalls(names ...string) *Builder {
	return b.add(specs.ActTrap, names, nil)
}

// SyscallArg constrains one argument (index 0-5) of an allowed call.
type SyscallArg struct {
	Index uint
	Value uint64
	Op    specs.LinuxSeccompOperator
}

func (b *Builder) AllowSyscallWithArgs(name string, args []SyscallArg) *Builder {
	specArgs := make([]specs.LinuxSeccompArg, 0, len(args))
	for _, a := range args {
		specArgs = append(specArgs, specs.LinuxSeccompArg{Index: a.Index, Value: a.Value, Op: a.Op})
	}
	return b.add(specs.ActAllow, []string{name}, specArgs)
}

func (b *Builder) WithArchitectures(archs ...specs.Arch) *Builder {
	b.archs = slices.Clone(archs)
	return b
}

// Build returns a profile that shares no slices with the builder.
func (b *Builder) Build() *specs.LinuxSeccomp {
	rules := make([]specs.LinuxSyscall, len(b.rules))
	for i, r := range b.rules {
		r.Names = slices.Clone(r.Names)
		r.Args = slices.Clone(r.Args)
		rules[i] = r
	}
	return &specs.LinuxSeccomp{
		DefaultAction: specs.ActErrno,
		Architectures: slices.Clone(b.archs),
		Syscalls:      rules,
	}
}

// ActionFor reports what p does with an unconditional call to name: the
// action of the first argument-free rule naming it, else the default.
func ActionFor(p *specs.LinuxSeccomp, name string) specs.LinuxSeccompAction {
	for _, rule := range p.Syscalls {
		if len(rule.Args) == 0 && slices.Contains(rule.Names, name) {
			return rule.Action
		}
	}
	return p.DefaultAction
}
