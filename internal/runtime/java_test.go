package runtime

import (
	"slices"
	"strings"
	"testing"
)

func TestJavaToolchain_Commands(t *testing.T) {
	j := NewJava("")

	if j.Image() != DefaultJavaImage {
		t.Errorf("Image() = %q, want %q", j.Image(), DefaultJavaImage)
	}
	if j.SourceFile() != "Main.java" {
		t.Errorf("SourceFile() = %q, want Main.java", j.SourceFile())
	}
	if got, want := j.CompileCommand(), []string{"javac", "-encoding", "UTF-8", "Main.java"}; !slices.Equal(got, want) {
		t.Errorf("CompileCommand() = %v, want %v", got, want)
	}
	if got, want := j.RunCommand(), []string{"java", "-Dfile.encoding=UTF-8", "Main"}; !slices.Equal(got, want) {
		t.Errorf("RunCommand() = %v, want %v", got, want)
	}
}

func TestJavaToolchain_CustomImage(t *testing.T) {
	j := NewJava("registry.local/jdk:17")
	if j.Image() != "registry.local/jdk:17" {
		t.Errorf("Image() = %q", j.Image())
	}
}

func TestJavaToolchain_Validate(t *testing.T) {
	j := NewJava("")

	tests := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{"valid", "public class Main {}", false},
		{"empty", "", true},
		{"invalid utf8", "class Main { \xff }", true},
		{"at limit", strings.Repeat("가", MaxSourceRunes), false},
		{"over limit", strings.Repeat("x", MaxSourceRunes+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := j.Validate(tt.code)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry("")

	tc, err := r.Get("java")
	if err != nil {
		t.Fatalf("Get(java) = %v", err)
	}
	if tc.Name() != "java" {
		t.Errorf("Name() = %q, want java", tc.Name())
	}
	if _, err := r.Get("python"); err == nil {
		t.Error("Get(python) should fail")
	}
	if got := r.Names(); !slices.Equal(got, []string{"java"}) {
		t.Errorf("Names() = %v, want [java]", got)
	}
}
