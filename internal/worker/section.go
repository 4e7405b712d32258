package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/providers"
	"github.com/lectern-ai/lectern/internal/skeleton"
)

const sectionSystemPrompt = `You are writing one section of an educational book.
Write clear, coherent prose for the requested section only. Do not include
chapter headings or front matter; return the section body as plain text.`

// stepSection generates the content for one section. The step is idempotent:
// if content for the (version, chapter, section) coordinates already exists,
// generation is skipped and the job completes as done.
func (e *Executor) stepSection(ctx context.Context, job *jobs.Record) stepResult {
	var p SectionPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return stepFailConfig("malformed section payload: %v", err)
	}
	if p.BookVersionID == "" {
		return stepFailConfig("section payload missing book_version_id")
	}

	sk, err := e.skeletons.Get(ctx, p.BookVersionID)
	if err != nil {
		if errors.Is(err, skeleton.ErrNotFound) {
			return stepFailConfig("no skeleton for book version %s", p.BookVersionID)
		}
		return stepFail("skeleton lookup failed: %v", err)
	}
	sections, err := sk.SectionCount(p.ChapterIndex)
	if err != nil {
		return stepFailConfig("%v", err)
	}
	if p.SectionIndex < 0 || p.SectionIndex >= sections {
		return stepFailConfig("section index %d out of range for chapter %d (%d sections)",
			p.SectionIndex, p.ChapterIndex, sections)
	}

	// Re-run after a crash between generation and completion must not pay for
	// a second generation.
	if _, found, err := e.skeletons.GetSection(ctx, p.BookVersionID, p.ChapterIndex, p.SectionIndex); err != nil {
		return stepFail("content lookup failed: %v", err)
	} else if found {
		e.store.LogEvent(ctx, job.ID, "info", "content already exists, skipping generation")
		return stepDone(&SectionResult{Done: true, Skipped: true})
	}

	client, ok := e.provider()
	if !ok {
		return stepFailConfig("no generation provider configured")
	}

	res, err := client.Generate(ctx, sectionRequest(sk, &p))
	if err != nil {
		return stepFail("generation failed: %v", err)
	}

	if err := e.skeletons.PutSection(ctx, p.BookVersionID, p.ChapterIndex, p.SectionIndex, res.Content, res.Model); err != nil {
		return stepFail("failed to store section content: %v", err)
	}
	return stepDone(&SectionResult{Done: true, Model: res.Model})
}

// sectionRequest builds the provider request for one section.
func sectionRequest(sk *skeleton.Skeleton, p *SectionPayload) *providers.GenerateRequest {
	chapter := sk.Chapters[p.ChapterIndex]
	prompt := fmt.Sprintf(
		"Book: %s\nChapter %d: %s\nWrite section %d of %d for this chapter.",
		sk.Title, p.ChapterIndex+1, chapter.Title,
		p.SectionIndex+1, chapter.SectionCount,
	)
	if p.Instructions != "" {
		prompt += "\n\nAuthoring instructions:\n" + p.Instructions
	}
	return &providers.GenerateRequest{
		System: sectionSystemPrompt,
		Prompt: prompt,
	}
}
