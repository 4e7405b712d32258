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

const voiceSystemPrompt = `You are an editor unifying the narrative voice of an
educational book. Rewrite the given section in the requested voice, preserving
all factual content and approximate length. Return the rewritten section body
as plain text only.`

// stepVoice normalizes narrative voice across a book version, one section per
// step. The cursor lives in the payload, so the pass survives crashes and
// never exceeds a single invocation's budget: each step rewrites at most one
// section and returns a continuation.
func (e *Executor) stepVoice(ctx context.Context, job *jobs.Record) stepResult {
	var p VoicePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return stepFailConfig("malformed voice payload: %v", err)
	}
	if p.BookVersionID == "" {
		return stepFailConfig("voice payload missing book_version_id")
	}

	sk, err := e.skeletons.Get(ctx, p.BookVersionID)
	if err != nil {
		if errors.Is(err, skeleton.ErrNotFound) {
			return stepFailConfig("no skeleton for book version %s", p.BookVersionID)
		}
		return stepFail("skeleton lookup failed: %v", err)
	}

	if p.NextChapterIndex >= sk.ChapterCount() {
		return stepDone(&VoiceResult{Done: true, Rewritten: p.Rewritten})
	}

	sections, err := sk.SectionCount(p.NextChapterIndex)
	if err != nil {
		return stepFailConfig("%v", err)
	}
	if p.NextSectionIndex >= sections {
		p.NextChapterIndex++
		p.NextSectionIndex = 0
		return stepContinue(&p)
	}

	content, found, err := e.skeletons.GetSection(ctx, p.BookVersionID, p.NextChapterIndex, p.NextSectionIndex)
	if err != nil {
		return stepFail("content lookup failed: %v", err)
	}
	if !found {
		// Nothing generated for this slot; skip it rather than fail the pass.
		e.store.LogEvent(ctx, job.ID, "info", fmt.Sprintf(
			"no content at chapter %d section %d, skipping", p.NextChapterIndex, p.NextSectionIndex))
		p.NextSectionIndex++
		return stepContinue(&p)
	}

	client, ok := e.provider()
	if !ok {
		return stepFailConfig("no generation provider configured")
	}

	voice := p.Voice
	if voice == "" {
		voice = sk.Voice
	}
	if voice == "" {
		return stepFailConfig("no target voice in payload or skeleton")
	}

	res, err := client.Generate(ctx, &providers.GenerateRequest{
		System: voiceSystemPrompt,
		Prompt: fmt.Sprintf("Target voice: %s\n\nSection to rewrite:\n%s", voice, content),
	})
	if err != nil {
		return stepFail("voice rewrite failed: %v", err)
	}

	if err := e.skeletons.PutSection(ctx, p.BookVersionID, p.NextChapterIndex, p.NextSectionIndex, res.Content, res.Model); err != nil {
		return stepFail("failed to store rewritten section: %v", err)
	}

	p.Rewritten++
	p.NextSectionIndex++
	return stepContinue(&p)
}
