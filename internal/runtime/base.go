package runtime

import (
	"fmt"
	"sort"
)

// Toolchain defines how to compile and run source for one compiled language.
// Commands run with the job directory as their working directory.
type Toolchain interface {
	// Name returns the toolchain identifier (e.g., "java").
	Name() string

	// Image returns the container image that carries the compiler and runtime.
	Image() string

	// SourceFile is the file name the source is written to.
	SourceFile() string

	CompileCommand() []string
	RunCommand() []string

	// Validate is a cheap pre-check before anything touches a container.
	Validate(code string) error
}

// Registry maps toolchain names to implementations.
type Registry struct {
	toolchains map[string]Toolchain
}

// NewRegistry creates a registry holding the Java toolchain on image.
func NewRegistry(javaImage string) *Registry {
	r := &Registry{
		toolchains: make(map[string]Toolchain),
	}
	r.Register(NewJava(javaImage))
	return r
}

func (r *Registry) Register(tc Toolchain) {
	r.toolchains[tc.Name()] = tc
}

func (r *Registry) Get(name string) (Toolchain, error) {
	tc, ok := r.toolchains[name]
	if !ok {
		return nil, fmt.Errorf("unsupported toolchain: %q (supported: %v)", name, r.Names())
	}
	return tc, nil
}

// Names returns registered toolchain names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.toolchains))
	for name := range r.toolchains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
