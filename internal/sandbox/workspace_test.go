package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspace_WriteAndRemove(t *testing.T) {
	ws, err := NewWorkspace(filepath.Join(t.TempDir(), "ws"))
	if err != nil {
		t.Fatal(err)
	}

	path, err := ws.Write("job-1", "Main.java", "class Main {}")
	if err != nil {
		t.Fatalf("Write() = %v", err)
	}
	if path != filepath.Join(ws.Root(), "job-1", "Main.java") {
		t.Errorf("path = %q", path)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "class Main {}" {
		t.Errorf("content = %q", data)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode = %v, want 0644", info.Mode().Perm())
	}
	if !ws.Has("job-1", "Main.java") {
		t.Error("Has() = false after Write")
	}

	if err := ws.Remove("job-1"); err != nil {
		t.Fatalf("Remove() = %v", err)
	}
	if ws.Has("job-1", "Main.java") {
		t.Error("Has() = true after Remove")
	}
	if err := ws.Remove("job-1"); err != nil {
		t.Errorf("second Remove() = %v, want nil", err)
	}
}

func TestWorkspace_RejectsEscapingIDs(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"", ".", "..", "../etc", "a/b"} {
		if _, err := ws.Write(id, "Main.java", "x"); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Write(%q) = %v, want ErrInvalidRequest", id, err)
		}
		if err := ws.Remove(id); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Remove(%q) = %v, want ErrInvalidRequest", id, err)
		}
	}
}
