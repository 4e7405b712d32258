// Package worker executes exactly one bounded unit of work per invocation.
// Each call claims a job, runs the step registered for its type, and records
// the outcome: done, failed, or a continuation that re-enters the queue.
// Steps never block on other jobs, so no single invocation can exceed the
// execution budget of the platform hosting it.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/providers"
	"github.com/lectern-ai/lectern/internal/skeleton"
)

// DefaultMaxAttempts is the retry budget before a failing job is moved to
// dead_letter. Configurable via worker.max_attempts.
const DefaultMaxAttempts = 3

// Executor runs one claimed job one step forward.
type Executor struct {
	store       *jobs.Store
	skeletons   *skeleton.Store
	registry    *providers.Registry
	logger      *slog.Logger
	maxAttempts int
}

// NewExecutor creates an executor.
func NewExecutor(store *jobs.Store, skeletons *skeleton.Store, registry *providers.Registry, logger *slog.Logger, maxAttempts int) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Executor{
		store:       store,
		skeletons:   skeletons,
		registry:    registry,
		logger:      logger.With("component", "worker"),
		maxAttempts: maxAttempts,
	}
}

// RunOutcome reports what one claim+step cycle did.
type RunOutcome struct {
	// Processed is false when nothing was claimable: idle, not an error.
	Processed bool `json:"processed"`

	JobID  string      `json:"job_id,omitempty"`
	Status jobs.Status `json:"status,omitempty"`

	// Yielded is true when the step returned a continuation and the job
	// re-entered the queue with further work pending.
	Yielded bool `json:"yielded,omitempty"`
}

// stepResult is the internal outcome of one step body.
type stepResult struct {
	status  jobs.Status     // StatusDone, StatusFailed, or StatusQueued (continuation)
	result  json.RawMessage // written on done
	payload json.RawMessage // continuation payload; nil leaves it unchanged
	reason  string          // failure reason
	config  bool            // configuration error: recorded immediately, no retry budget
}

func stepDone(result any) stepResult {
	raw, _ := json.Marshal(result)
	return stepResult{status: jobs.StatusDone, result: raw}
}

func stepContinue(payload any) stepResult {
	if payload == nil {
		return stepResult{status: jobs.StatusQueued}
	}
	raw, _ := json.Marshal(payload)
	return stepResult{status: jobs.StatusQueued, payload: raw}
}

func stepFail(format string, args ...any) stepResult {
	return stepResult{status: jobs.StatusFailed, reason: fmt.Sprintf(format, args...)}
}

func stepFailConfig(format string, args ...any) stepResult {
	return stepResult{status: jobs.StatusFailed, reason: fmt.Sprintf(format, args...), config: true}
}

// RunOne claims and executes one step. When jobID is set, that exact job is
// claimed if and only if it is queued; otherwise the oldest queued job of
// jobType for the organization is claimed. A nil claim is reported as
// Processed=false.
func (e *Executor) RunOne(ctx context.Context, jobType jobs.JobType, orgID, jobID string) (*RunOutcome, error) {
	var (
		job *jobs.Record
		err error
	)
	if jobID != "" {
		job, err = e.store.Claim(ctx, jobID)
		if errors.Is(err, jobs.ErrNotClaimable) {
			return &RunOutcome{Processed: false}, nil
		}
	} else {
		job, err = e.store.ClaimNext(ctx, jobType, orgID)
	}
	if err != nil {
		return nil, err
	}
	if job == nil {
		return &RunOutcome{Processed: false}, nil
	}

	res := e.step(ctx, job)

	status, err := e.finalize(ctx, job, res)
	if err != nil {
		return nil, err
	}
	return &RunOutcome{
		Processed: true,
		JobID:     job.ID,
		Status:    status,
		Yielded:   status == jobs.StatusQueued,
	}, nil
}

// step runs the body for the job's type. Cancellation is consulted before any
// work; there is no mid-step preemption. A panicking step is recorded as a
// failure rather than taking the worker down.
func (e *Executor) step(ctx context.Context, job *jobs.Record) (res stepResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("step panicked", "job_id", job.ID, "type", job.JobType, "panic", r)
			res = stepFail("step panicked: %v", r)
		}
	}()

	if job.CancelRequested {
		return stepFail("cancelled: requested before step")
	}

	switch job.JobType {
	case jobs.TypeGenerateChapter:
		return e.stepChapter(ctx, job)
	case jobs.TypeGenerateSection:
		return e.stepSection(ctx, job)
	case jobs.TypeGenerateCourse:
		return e.stepCourse(ctx, job)
	case jobs.TypeGuardCourse:
		return e.stepGuard(ctx, job)
	case jobs.TypeNormalizeVoice:
		return e.stepVoice(ctx, job)
	default:
		return stepFailConfig("unknown job type: %q", job.JobType)
	}
}

// finalize records the step outcome on the job record. Any child jobs the
// step enqueued were created before this point, so a crash here leaves at
// worst a claimed-but-unreported parent, recovered via the staleness path.
func (e *Executor) finalize(ctx context.Context, job *jobs.Record, res stepResult) (jobs.Status, error) {
	switch res.status {
	case jobs.StatusDone:
		if err := e.store.Complete(ctx, job.ID, res.result); err != nil {
			return "", err
		}
		return jobs.StatusDone, nil

	case jobs.StatusQueued:
		payload := res.payload
		if payload == nil {
			payload = job.Payload
		}
		if err := e.store.Continue(ctx, job.ID, payload); err != nil {
			return "", err
		}
		return jobs.StatusQueued, nil

	case jobs.StatusFailed:
		status := jobs.StatusFailed
		reason := res.reason
		if res.config {
			reason = "config: " + reason
		} else if job.Attempts+1 >= e.maxAttempts {
			// job.Attempts counts prior failures; this one exhausts the budget.
			status = jobs.StatusDeadLetter
			reason = fmt.Sprintf("%s (attempt %d/%d)", reason, job.Attempts+1, e.maxAttempts)
		}
		if err := e.store.Fail(ctx, job.ID, status, reason); err != nil {
			return "", err
		}
		return status, nil

	default:
		return "", fmt.Errorf("step returned invalid status %q", res.status)
	}
}

// provider returns the active generation client, or an empty result and false
// when none is configured.
func (e *Executor) provider() (providers.Client, bool) {
	if e.registry == nil {
		return nil, false
	}
	c := e.registry.Get()
	return c, c != nil
}
