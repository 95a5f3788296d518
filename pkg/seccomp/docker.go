package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// dockerProfile is the JSON layout Docker accepts for --security-opt seccomp=.
type dockerProfile struct {
	DefaultAction string          `json:"defaultAction"`
	Architectures []string        `json:"architectures,omitempty"`
	Syscalls      []dockerSyscall `json:"syscalls"`
}

type dockerSyscall struct {
	Names    []string    `json:"names"`
	Action   string      `json:"action"`
	ErrnoRet *uint       `json:"errnoRet,omitempty"`
	Args     []dockerArg `json:"args,omitempty"`
}

type dockerArg struct {
	Index    uint   `json:"index"`
	Value    uint64 `json:"value"`
	ValueTwo uint64 `json:"valueTwo,omitempty"`
	Op       string `json:"op"`
}

// DockerJSON renders an OCI seccomp profile in Docker's format.
func DockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("nil seccomp profile")
	}

	dp := dockerProfile{
		DefaultAction: string(p.DefaultAction),
		Syscalls:      make([]dockerSyscall, 0, len(p.Syscalls)),
	}
	for _, a := range p.Architectures {
		dp.Architectures = append(dp.Architectures, string(a))
	}
	for _, rule := range p.Syscalls {
		ds := dockerSyscall{
			Names:    rule.Names,
			Action:   string(rule.Action),
			ErrnoRet: rule.ErrnoRet,
		}
		for _, arg := range rule.Args {
			ds.Args = append(ds.Args, dockerArg{
				Index:    arg.Index,
				Value:    arg.Value,
				ValueTwo: arg.ValueTwo,
				Op:       string(arg.Op),
			})
		}
		dp.Syscalls = append(dp.Syscalls, ds)
	}

	data, err := json.Marshal(dp)
	if err != nil {
		return nil, fmt.Errorf("marshaling docker seccomp profile: %w", err)
	}
	return data, nil
}

// DockerProfileJSON is DefaultProfile in Docker's format.
func DockerProfileJSON() ([]byte, error) {
	return DockerJSON(DefaultProfile())
}
