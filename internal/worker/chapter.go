package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/skeleton"
)

// stepChapter is the chapter/section orchestrator. It decomposes one
// chapter's generation into an ordered sequence of section jobs and drives
// them strictly one at a time. Chapters are chained rather than looped
// in-place: finishing a chapter with more to come creates a fresh chapter job
// and hands off via the result, which bounds any single job's lifetime and
// gives per-chapter audit granularity.
func (e *Executor) stepChapter(ctx context.Context, job *jobs.Record) stepResult {
	var p ChapterPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return stepFailConfig("malformed chapter payload: %v", err)
	}
	if p.BookVersionID == "" {
		return stepFailConfig("chapter payload missing book_version_id")
	}

	sk, err := e.skeletons.Get(ctx, p.BookVersionID)
	if err != nil {
		if errors.Is(err, skeleton.ErrNotFound) {
			return stepFailConfig("no skeleton for book version %s", p.BookVersionID)
		}
		return stepFail("skeleton lookup failed: %v", err)
	}
	if p.ChapterCount != sk.ChapterCount() {
		return stepFailConfig("chapter count mismatch: job has %d, skeleton has %d",
			p.ChapterCount, sk.ChapterCount())
	}
	want, err := sk.SectionCount(p.ChapterIndex)
	if err != nil {
		return stepFailConfig("%v", err)
	}
	if p.SectionCount != want {
		return stepFailConfig("section count mismatch for chapter %d: job has %d, skeleton has %d",
			p.ChapterIndex, p.SectionCount, want)
	}

	// A pending section is the only valid next action: drive it to a terminal
	// state before anything else.
	if p.PendingSectionJobID != "" {
		child, err := e.store.Get(ctx, p.PendingSectionJobID)
		if err != nil {
			return stepFail("pending section %s lookup failed: %v", p.PendingSectionJobID, err)
		}
		switch child.Status {
		case jobs.StatusDone:
			e.store.LogEvent(ctx, job.ID, "info",
				"section "+strconv.Itoa(p.NextSectionIndex)+" complete")
			p.PendingSectionJobID = ""
			p.NextSectionIndex++
			// fall through to advance
		case jobs.StatusFailed, jobs.StatusDeadLetter:
			// A failed section blocks the chapter; skipping would produce
			// incoherent content.
			return stepFail("section %d failed: %s", p.NextSectionIndex, child.Error)
		default:
			// Still queued, processing, or stale: nothing to do this step.
			// This is a no-op continuation, not a busy spin.
			return stepContinue(nil)
		}
	}

	if p.NextSectionIndex >= p.SectionCount {
		return e.finishChapter(ctx, job, sk, &p)
	}

	// Spawn the next section. Check for an existing child first so the step
	// stays idempotent if a crash lost the payload update after enqueue.
	secPayload := SectionPayload{
		BookID:        p.BookID,
		BookVersionID: p.BookVersionID,
		ChapterIndex:  p.ChapterIndex,
		SectionIndex:  p.NextSectionIndex,
		Instructions:  p.Instructions,
	}
	existing, err := e.store.FindJob(ctx, jobs.TypeGenerateSection, job.OrgID, map[string]any{
		"book_version_id": p.BookVersionID,
		"chapter_index":   p.ChapterIndex,
		"section_index":   p.NextSectionIndex,
	})
	if err != nil {
		return stepFail("section job lookup failed: %v", err)
	}

	if existing != nil {
		p.PendingSectionJobID = existing.ID
	} else {
		raw, _ := json.Marshal(secPayload)
		child, err := e.store.Enqueue(ctx, &jobs.Record{
			JobType:   jobs.TypeGenerateSection,
			Payload:   raw,
			OrgID:     job.OrgID,
			CreatedBy: job.CreatedBy,
		})
		if err != nil {
			return stepFail("failed to enqueue section %d: %v", p.NextSectionIndex, err)
		}
		p.PendingSectionJobID = child.ID
		e.store.LogEvent(ctx, job.ID, "info",
			"spawned section "+strconv.Itoa(p.NextSectionIndex)+" job "+child.ID)
	}
	return stepContinue(&p)
}

// finishChapter completes a chapter job, chaining to the next chapter when
// more remain.
func (e *Executor) finishChapter(ctx context.Context, job *jobs.Record, sk *skeleton.Skeleton, p *ChapterPayload) stepResult {
	if p.ChapterIndex+1 >= p.ChapterCount {
		return stepDone(&ChapterResult{Done: true})
	}

	nextIndex := p.ChapterIndex + 1
	existing, err := e.store.FindJob(ctx, jobs.TypeGenerateChapter, job.OrgID, map[string]any{
		"book_version_id": p.BookVersionID,
		"chapter_index":   nextIndex,
	})
	if err != nil {
		return stepFail("chapter job lookup failed: %v", err)
	}

	var nextID string
	if existing != nil {
		nextID = existing.ID
	} else {
		nextPayload, err := NewChapterPayload(sk, p.BookVersionID, p.BookID, nextIndex, p.Instructions)
		if err != nil {
			return stepFailConfig("%v", err)
		}
		raw, _ := json.Marshal(nextPayload)
		next, err := e.store.Enqueue(ctx, &jobs.Record{
			JobType:   jobs.TypeGenerateChapter,
			Payload:   raw,
			OrgID:     job.OrgID,
			CreatedBy: job.CreatedBy,
		})
		if err != nil {
			return stepFail("failed to enqueue chapter %d: %v", nextIndex, err)
		}
		nextID = next.ID
		e.store.LogEvent(ctx, job.ID, "info", "handing off to chapter "+strconv.Itoa(nextIndex)+" job "+nextID)
	}

	return stepDone(&ChapterResult{Done: false, NextChapterJobID: nextID})
}
