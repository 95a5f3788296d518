package runtime

import (
	"fmt"
	"unicode/utf8"
)

const (
	DefaultJavaImage = "eclipse-temurin:17-jdk"
	MaxSourceRunes   = 10000
)

// JavaToolchain compiles Main.java with javac and runs class Main.
type JavaToolchain struct {
	image string
}

func NewJava(image string) *JavaToolchain {
	if image == "" {
		image = DefaultJavaImage
	}
	return &JavaToolchain{image: image}
}

func (j *JavaToolchain) Name() string { return "java" }

func (j *JavaToolchain) Image() string { return j.image }

func (j *JavaToolchain) SourceFile() string { return "Main.java" }

func (j *JavaToolchain) CompileCommand() []string {
	return []string{"javac", "-encoding", "UTF-8", j.SourceFile()}
}

func (j *JavaToolchain) RunCommand() []string {
	return []string{"java", "-Dfile.encoding=UTF-8", "Main"}
}

func (j *JavaToolchain) Validate(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("empty code")
	}
	if !utf8.ValidString(code) {
		return fmt.Errorf("code is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(code); n > MaxSourceRunes {
		return fmt.Errorf("code too large: %d characters (max %d)", n, MaxSourceRunes)
	}
	return nil
}
