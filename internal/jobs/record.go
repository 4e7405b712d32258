// Package jobs implements the durable job record store that coordinates all
// generation work. Job tickets are rows in a SQLite table; the only mutual
// exclusion mechanism in the system is the conditional-update claim below.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle state of a job record.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
	StatusStale      Status = "stale"
)

// Terminal reports whether the status is a final outcome. Stale is not
// terminal: the job may still be running on a worker that stopped reporting.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusDeadLetter
}

// Resting reports whether a poller should stop watching this job.
// Covers terminal states plus stale, which requires operator action.
func (s Status) Resting() bool {
	return s.Terminal() || s == StatusStale
}

// JobType identifies which executor logic applies to a job. The set is closed:
// the worker dispatches with an exhaustive switch, and an unrecognized value
// fails fast as a configuration error.
type JobType string

const (
	TypeGenerateChapter JobType = "book_generate_chapter"
	TypeGenerateSection JobType = "book_generate_section"
	TypeGenerateCourse  JobType = "ai_course_generate"
	TypeGuardCourse     JobType = "guard_course"
	TypeNormalizeVoice  JobType = "book_normalize_voice"
)

// JobTypes lists every known job type.
func JobTypes() []JobType {
	return []JobType{
		TypeGenerateChapter,
		TypeGenerateSection,
		TypeGenerateCourse,
		TypeGuardCourse,
		TypeNormalizeVoice,
	}
}

// ParseJobType validates a job type string.
func ParseJobType(s string) (JobType, error) {
	for _, t := range JobTypes() {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown job type: %q", s)
}

// TopLevel reports whether this job type may be enqueued directly by callers.
// Section jobs are spawned only by the chapter orchestrator and are considered
// already-admitted work for quota purposes.
func (t JobType) TopLevel() bool {
	return t != TypeGenerateSection
}

// Record is a persisted unit of asynchronous work.
type Record struct {
	ID              string          `json:"id"`
	JobType         JobType         `json:"job_type"`
	Status          Status          `json:"status"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	OrgID           string          `json:"org_id"`
	CreatedBy       string          `json:"created_by,omitempty"`
	Attempts        int             `json:"attempts"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Event is a durable log line attached to a job, surfaced by the job detail
// endpoint so monitoring UIs can show a trail without scraping server logs.
type Event struct {
	Seq       int64     `json:"seq"`
	JobID     string    `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

var (
	// ErrNotFound is returned when a job record does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrNotClaimable is returned when an exact-id claim targets a job that
	// is not currently queued.
	ErrNotClaimable = errors.New("job is not claimable")

	// ErrNotRequeueable is returned when requeue targets a job that is not
	// in a failed, stale, or dead_letter state.
	ErrNotRequeueable = errors.New("job is not requeueable")

	// ErrQuotaExceeded is returned when admission would exceed a user's
	// hourly or daily job quota.
	ErrQuotaExceeded = errors.New("job quota exceeded")
)
