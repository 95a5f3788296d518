package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the host directory shared with every slot container at
// MountPoint. Each job gets its own subdirectory named after the job id.
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil { // #nosec G301 -- containers read it as their own user
		return nil, fmt.Errorf("creating workspace %s: %w", abs, err)
	}
	return &Workspace{root: abs}, nil
}

func (w *Workspace) Root() string { return w.root }

func (w *Workspace) dir(jobID string) (string, error) {
	if jobID == "" || jobID == "." || jobID == ".." || filepath.Base(jobID) != jobID {
		return "", fmt.Errorf("%w: job id %q is not a valid directory name", ErrInvalidRequest, jobID)
	}
	return filepath.Join(w.root, jobID), nil
}

// Write stores source as <root>/<jobID>/<fileName>, creating the directory.
func (w *Workspace) Write(jobID, fileName, source string) (string, error) {
	dir, err := w.dir(jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil { // #nosec G301
		return "", fmt.Errorf("%w: creating job dir: %v", ErrLaunch, err)
	}
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil { // #nosec G306 -- read by the container user
		return "", fmt.Errorf("%w: writing source: %v", ErrLaunch, err)
	}
	return path, nil
}

// Has reports whether the job's source file is still on disk.
func (w *Workspace) Has(jobID, fileName string) bool {
	dir, err := w.dir(jobID)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, fileName))
	return err == nil
}

// Remove deletes the job directory; a missing directory is not an error.
func (w *Workspace) Remove(jobID string) error {
	dir, err := w.dir(jobID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
