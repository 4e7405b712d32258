package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/providers"
)

const courseSystemPrompt = `You are designing the structure of an educational book
for a course. Respond with JSON only, matching exactly this shape:
{"book_id": "<slug>", "title": "<book title>", "chapters": [{"title": "<chapter title>", "section_count": <int>}]}
Do not include any prose outside the JSON.`

// stepCourse is a one-shot step: it asks the provider for a course outline,
// validates it as a skeleton, and persists it under a fresh book version id.
// Chapter jobs enqueued afterwards read their counts from this artifact.
func (e *Executor) stepCourse(ctx context.Context, job *jobs.Record) stepResult {
	var p CoursePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return stepFailConfig("malformed course payload: %v", err)
	}
	if p.Topic == "" {
		return stepFailConfig("course payload missing topic")
	}

	client, ok := e.provider()
	if !ok {
		return stepFailConfig("no generation provider configured")
	}

	res, err := client.Generate(ctx, courseRequest(&p))
	if err != nil {
		return stepFail("outline generation failed: %v", err)
	}

	versionID := uuid.NewString()
	sk, err := e.skeletons.Put(ctx, versionID, job.OrgID, []byte(stripFences(res.Content)))
	if err != nil {
		// The model produced output that does not validate as a skeleton.
		// Retryable: a fresh generation may well succeed.
		return stepFail("outline did not validate: %v", err)
	}

	e.store.LogEvent(ctx, job.ID, "info",
		fmt.Sprintf("skeleton %s stored with %d chapters", versionID, sk.ChapterCount()))
	return stepDone(&CourseResult{BookVersionID: versionID, ChapterCount: sk.ChapterCount()})
}

func courseRequest(p *CoursePayload) *providers.GenerateRequest {
	prompt := "Topic: " + p.Topic
	if p.Title != "" {
		prompt += "\nWorking title: " + p.Title
	}
	if p.ChapterCount > 0 {
		prompt += fmt.Sprintf("\nTarget chapter count: %d", p.ChapterCount)
	}
	if p.Instructions != "" {
		prompt += "\n\nAuthoring instructions:\n" + p.Instructions
	}
	return &providers.GenerateRequest{
		System: courseSystemPrompt,
		Prompt: prompt,
	}
}

// stripFences removes a markdown code fence wrapper if the model added one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
