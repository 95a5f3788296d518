package monitor

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// Severity levels for screened or detected content.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Rule is one denylisted token. Matching is a plain substring test, so a
// token inside a comment or string literal still rejects the source.
type Rule struct {
	Keyword     string
	Description string
	Severity    Severity
}

// Screener rejects source that mentions a denylisted API before it is ever
// written to disk. Rules are checked in order and the first hit wins, so the
// reported keyword is deterministic.
type Screener struct {
	rules []Rule
}

func NewScreener() *Screener {
	return &Screener{rules: DefaultDenylist()}
}

// NewScreenerWith builds a screener from an explicit ordered keyword list.
func NewScreenerWith(keywords ...string) *Screener {
	rules := make([]Rule, 0, len(keywords))
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		rules = append(rules, Rule{Keyword: kw, Severity: SeverityHigh})
	}
	return &Screener{rules: rules}
}

// Screen returns the first denylisted keyword found in code.
func (s *Screener) Screen(code string) (keyword string, found bool) {
	for _, r := range s.rules {
		if strings.Contains(code, r.Keyword) {
			log.Warn().
				Str("keyword", r.Keyword).
				Str("severity", r.Severity.String()).
				Msg("forbidden keyword in submitted source")
			return r.Keyword, true
		}
	}
	return "", false
}

func (s *Screener) Keywords() []string {
	out := make([]string, len(s.rules))
	for i, r := range s.rules {
		out[i] = r.Keyword
	}
	return out
}

func DefaultDenylist() []Rule {
	return []Rule{
		{"System.exit", "terminates the JVM", SeverityMedium},
		{"Runtime.getRuntime", "process spawning and JVM control", SeverityCritical},
		{"ProcessBuilder", "process spawning", SeverityCritical},
		{"java.io.File", "filesystem access", SeverityHigh},
		{"java.nio.file", "filesystem access", SeverityHigh},
		{"java.net", "network access", SeverityHigh},
		{"java.lang.reflect", "reflection can bypass the other rules", SeverityHigh},
		{"sun.misc.Unsafe", "raw memory access", SeverityCritical},
		{"Thread", "thread creation", SeverityMedium},
		{"ForkJoinPool", "thread pool creation", SeverityMedium},
	}
}

// Detection is suspicious content found in program output.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

var outputPatterns = []struct {
	name   string
	substr string
	sev    Severity
}{
	{"kernel_leak", "Linux version", SeverityHigh},
	{"root_access", "root:x:0:0", SeverityCritical},
	{"docker_socket", "docker.sock", SeverityCritical},
	{"containerd_socket", "containerd.sock", SeverityCritical},
	{"metadata_service", "169.254.169.254", SeverityHigh},
}

// AnalyzeOutput checks run output for signs that the sandbox leaked host
// information. It never changes a job outcome.
func AnalyzeOutput(output string) []Detection {
	var detections []Detection
	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}
	return detections
}
