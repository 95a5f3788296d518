package job

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of a compile job.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFail    Status = "FAIL"

	// StatusNotFound is only ever reported to callers; it is never stored.
	StatusNotFound Status = "NOT_FOUND"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFail
}

const (
	MaxCodeLength   = 10000
	MaxIDLength     = 128
	MaxOutputBytes  = 64 * 1024
	outputTruncated = "\n... [output truncated]"
)

var (
	ErrInvalidRequest    = errors.New("invalid job request")
	ErrInvalidTransition = errors.New("invalid status transition")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Record is one submitted source snippet plus its execution outcome.
type Record struct {
	ID          string    `json:"jobId"`
	Code        string    `json:"code"`
	CallbackURL string    `json:"callbackUrl,omitempty"`
	Status      Status    `json:"status"`
	Output      string    `json:"output"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// New creates a PENDING record. The caller-supplied id is kept as is.
func New(id, code, callbackURL string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:          id,
		Code:        code,
		CallbackURL: callbackURL,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Start moves a pending record to RUNNING. Restarting a running record is
// allowed so a requeued job can be picked up again.
func (r *Record) Start() error {
	switch r.Status {
	case StatusPending, StatusRunning:
		r.Status = StatusRunning
		r.UpdatedAt = time.Now().UTC()
		return nil
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, StatusRunning)
	}
}

// Complete sets the terminal status and output together.
func (r *Record) Complete(success bool, output string) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, r.Status)
	}
	r.Status = StatusFail
	if success {
		r.Status = StatusSuccess
	}
	r.Output = TruncateOutput(output)
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// ForceFail overwrites any state with FAIL. Only the dead-letter path uses it.
func (r *Record) ForceFail(output string) {
	r.Status = StatusFail
	r.Output = TruncateOutput(output)
	r.UpdatedAt = time.Now().UTC()
}

// Clone returns a copy safe to hand to another goroutine.
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

func TruncateOutput(s string) string {
	if len(s) <= MaxOutputBytes {
		return s
	}
	cut := MaxOutputBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + outputTruncated
}

// SubmitRequest is the validated shape of a submission.
type SubmitRequest struct {
	JobID       string `json:"jobId"`
	Code        string `json:"code"`
	CallbackURL string `json:"callbackUrl"`
}

func (req SubmitRequest) Validate() error {
	if req.JobID == "" {
		return fmt.Errorf("%w: jobId is required", ErrInvalidRequest)
	}
	if len(req.JobID) > MaxIDLength {
		return fmt.Errorf("%w: jobId exceeds %d characters", ErrInvalidRequest, MaxIDLength)
	}
	if !idPattern.MatchString(req.JobID) || req.JobID == "." || req.JobID == ".." {
		return fmt.Errorf("%w: jobId may only contain letters, digits, '.', '_' and '-'", ErrInvalidRequest)
	}
	if req.Code == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	if n := utf8.RuneCountInString(req.Code); n > MaxCodeLength {
		return fmt.Errorf("%w: code exceeds %d characters (got %d)", ErrInvalidRequest, MaxCodeLength, n)
	}
	if req.CallbackURL != "" {
		u, err := url.Parse(req.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: callbackUrl must be an absolute http(s) URL", ErrInvalidRequest)
		}
	}
	return nil
}
