package storage

import "time"

// DeadLetterRecord is the durable copy of a dead-lettered job. Redis keeps
// the working list; this table outlives the job record TTLs.
type DeadLetterRecord struct {
	ID         string    `json:"id" db:"id"`
	JobID      string    `json:"jobId" db:"job_id"`
	Error      string    `json:"error" db:"error"`
	FailTime   time.Time `json:"failTime" db:"fail_time"`
	ArchivedAt time.Time `json:"archivedAt" db:"archived_at"`
}

// Filter provides criteria for listing archived dead letters.
type Filter struct {
	JobID  string
	Since  *time.Time
	Limit  int
	Offset int
}

func (f Filter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

// maxErrorLen bounds the stored error text.
const maxErrorLen = 8192

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
