// Package driver implements the external drive loop. Serverless workers can
// only hold a request for one step, so a long generation is advanced from the
// outside: kick one worker step, poll the job record, repeat until the job
// chain comes to rest.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/lectern-ai/lectern/internal/api"
	"github.com/lectern-ai/lectern/internal/config"
	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/server/endpoints"
	"github.com/lectern-ai/lectern/internal/worker"
)

// ErrChapterLimit is returned when a book drive follows more chapter hops
// than the configured ceiling allows.
var ErrChapterLimit = errors.New("chapter hop limit reached")

// Driver advances job chains by calling the server's worker endpoint in a
// loop and watching job records until they come to rest.
type Driver struct {
	client *api.Client
	cfg    config.DriverConfig
	logger *slog.Logger
}

// New creates a driver talking to the given API client.
func New(client *api.Client, cfg config.DriverConfig, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}
	if cfg.SectionTimeout <= 0 {
		cfg.SectionTimeout = 30 * time.Minute
	}
	if cfg.ChapterTimeout <= 0 {
		cfg.ChapterTimeout = 2 * time.Hour
	}
	if cfg.MaxChapters <= 0 {
		cfg.MaxChapters = 64
	}
	return &Driver{client: client, cfg: cfg, logger: logger}
}

// DriveBook drives a chain of chapter jobs starting from the root chapter
// job, following each completed chapter's successor id until the final
// chapter reports the book done.
func (d *Driver) DriveBook(ctx context.Context, rootChapterJobID string) error {
	jobID := rootChapterJobID
	for hop := 0; hop < d.cfg.MaxChapters; hop++ {
		d.logger.Info("driving chapter job", "job", jobID, "hop", hop)

		res, err := d.DriveChapter(ctx, jobID)
		if err != nil {
			return fmt.Errorf("chapter job %s: %w", jobID, err)
		}
		if res.Done {
			d.logger.Info("book complete", "last_chapter_job", jobID)
			return nil
		}
		if res.NextChapterJobID == "" {
			return fmt.Errorf("chapter job %s finished without a successor or a done marker", jobID)
		}
		jobID = res.NextChapterJobID
	}
	return fmt.Errorf("%w after %d chapters", ErrChapterLimit, d.cfg.MaxChapters)
}

// DriveChapter drives a single chapter job to completion and returns its
// result. The chapter itself alternates between spawning a section job and
// consuming its outcome, so each pass kicks the pending section chain first.
func (d *Driver) DriveChapter(ctx context.Context, jobID string) (*worker.ChapterResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ChapterTimeout)
	defer cancel()

	for {
		detail, err := d.getJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		job := detail.Job

		switch job.Status {
		case jobs.StatusDone:
			var res worker.ChapterResult
			if err := unmarshalResult(job, &res); err != nil {
				return nil, err
			}
			return &res, nil

		case jobs.StatusFailed, jobs.StatusDeadLetter:
			return nil, fmt.Errorf("job ended %s: %s", job.Status, job.Error)

		case jobs.StatusStale:
			return nil, fmt.Errorf("job went stale; requeue it to resume")

		case jobs.StatusQueued:
			var p worker.ChapterPayload
			if job.Payload != nil {
				if err := unmarshalPayload(job, &p); err != nil {
					return nil, err
				}
			}
			if p.PendingSectionJobID != "" {
				if err := d.driveSection(ctx, p.PendingSectionJobID); err != nil {
					return nil, err
				}
			}
			if _, err := d.kick(ctx, job.JobType, jobID); err != nil {
				return nil, err
			}

		case jobs.StatusProcessing:
			// Another worker holds the claim; just wait.
			if err := d.sleep(ctx); err != nil {
				return nil, err
			}
		}
	}
}

// driveSection kicks a section job until it comes to rest. Section failure is
// not an error here: the chapter step reads the section's final status and
// decides what it means for the chapter.
func (d *Driver) driveSection(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.SectionTimeout)
	defer cancel()

	d.logger.Info("driving section job", "job", jobID)
	for {
		detail, err := d.getJob(ctx, jobID)
		if err != nil {
			return err
		}

		switch detail.Job.Status {
		case jobs.StatusQueued:
			if _, err := d.kick(ctx, detail.Job.JobType, jobID); err != nil {
				return err
			}
		case jobs.StatusProcessing:
			if err := d.sleep(ctx); err != nil {
				return err
			}
		case jobs.StatusStale:
			// The chapter step treats a stale section as still pending, so
			// returning nil here would spin the chapter loop without progress.
			return fmt.Errorf("section job %s went stale; requeue it to resume", jobID)
		default:
			// Terminal. The chapter step will consume the outcome.
			return nil
		}
	}
}

// kick runs one worker step against an exact job id.
func (d *Driver) kick(ctx context.Context, jobType jobs.JobType, jobID string) (*worker.RunOutcome, error) {
	var outcome worker.RunOutcome
	err := d.withRetry(ctx, func() error {
		req := endpoints.RunWorkerRequest{JobType: string(jobType), JobID: jobID}
		return d.client.Post(ctx, "/api/worker/run", req, &outcome)
	})
	if err != nil {
		return nil, fmt.Errorf("worker run for job %s: %w", jobID, err)
	}
	if !outcome.Processed {
		// Claim raced with another worker. Back off and let the poll loop
		// pick up the new status.
		if err := d.sleep(ctx); err != nil {
			return nil, err
		}
	}
	return &outcome, nil
}

func (d *Driver) getJob(ctx context.Context, jobID string) (*endpoints.JobDetailResponse, error) {
	var detail endpoints.JobDetailResponse
	err := d.withRetry(ctx, func() error {
		return d.client.Get(ctx, "/api/jobs/"+jobID, &detail)
	})
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return &detail, nil
}

// withRetry retries transient server errors and network failures; client
// mistakes (4xx) surface immediately.
func (d *Driver) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(4),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var apiErr *api.Error
			if errors.As(err, &apiErr) {
				return apiErr.Transient()
			}
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
	)
}

func (d *Driver) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.cfg.PollInterval):
		return nil
	}
}

func unmarshalResult(job *jobs.Record, v any) error {
	if job.Result == nil {
		return fmt.Errorf("job %s has no result", job.ID)
	}
	if err := json.Unmarshal(job.Result, v); err != nil {
		return fmt.Errorf("job %s result: %w", job.ID, err)
	}
	return nil
}

func unmarshalPayload(job *jobs.Record, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("job %s payload: %w", job.ID, err)
	}
	return nil
}
