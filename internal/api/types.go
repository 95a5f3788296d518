package api

import (
	"time"

	"compile-sandbox/internal/callback"
	"compile-sandbox/internal/job"
	"compile-sandbox/internal/queue"
	"compile-sandbox/internal/sandbox"
	"compile-sandbox/internal/storage"
)

// RunRequest is the body of POST /api/compile/run.
type RunRequest = job.SubmitRequest

type RunResponse struct {
	JobID string `json:"jobId"`
}

// ResultResponse reports NOT_FOUND with empty output for unknown ids.
type ResultResponse struct {
	Status job.Status `json:"status"`
	Output string     `json:"output"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string            `json:"status"`
	Checks     map[string]string `json:"checks"`
	QueueDepth int64             `json:"queue_depth"`
	Uptime     Duration          `json:"uptime"`
}

type ProcessingResponse struct {
	JobIDs []string `json:"jobIds"`
}

type RequeueResponse struct {
	JobID    string `json:"jobId"`
	Requeued bool   `json:"requeued"`
}

type DeadLettersResponse struct {
	DeadLetters []queue.DeadLetter `json:"deadLetters"`
}

type ArchivedDeadLettersResponse struct {
	Records []storage.DeadLetterRecord `json:"records"`
}

type RedeliverResponse = callback.RedeliverReport

type SlotsResponse struct {
	Engine string             `json:"engine"`
	Slots  []sandbox.SlotInfo `json:"slots"`
}
