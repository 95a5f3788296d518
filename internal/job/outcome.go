package job

import "fmt"

// OutcomeKind tags how one pipeline attempt ended.
type OutcomeKind int

const (
	// Validated means the source passed screening; it never ends a job.
	Validated OutcomeKind = iota
	SecurityViolation
	Completed
	SystemFault
)

func (k OutcomeKind) String() string {
	switch k {
	case Validated:
		return "validated"
	case SecurityViolation:
		return "security_violation"
	case Completed:
		return "completed"
	case SystemFault:
		return "system_fault"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of running a job through the pipeline.
// Only SystemFault outcomes are retried or dead-lettered.
type Outcome struct {
	Kind    OutcomeKind
	Success bool
	Output  string
	Err     error
}

func ValidatedOutcome() Outcome { return Outcome{Kind: Validated} }

func Violation(keyword string) Outcome {
	return Outcome{Kind: SecurityViolation, Output: "Forbidden keyword detected: " + keyword}
}

func CompletedOutcome(success bool, output string) Outcome {
	return Outcome{Kind: Completed, Success: success, Output: output}
}

func Fault(err error) Outcome {
	return Outcome{Kind: SystemFault, Err: err}
}

// Terminal reports whether the outcome settles the job status.
func (o Outcome) Terminal() bool {
	return o.Kind == SecurityViolation || o.Kind == Completed
}

// SystemErrorOutput is the user-visible output of a dead-lettered job.
func SystemErrorOutput(err error) string {
	return fmt.Sprintf("System Error: %v", err)
}
