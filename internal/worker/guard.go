package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/providers"
	"github.com/lectern-ai/lectern/internal/skeleton"
)

const guardSystemPrompt = `You are reviewing generated course content for quality
and safety. Respond with JSON only, matching exactly this shape:
{"passed": <bool>, "findings": ["<finding>", ...]}
An empty findings array with passed=true means the content is acceptable.`

// Bounds how much stored content is packed into one guard prompt.
const guardMaxSections = 8

// stepGuard is a one-shot content check over a book version's stored
// sections. A provider error is a step failure; a verdict the model returns,
// pass or fail, completes the job as done with the verdict in the result.
func (e *Executor) stepGuard(ctx context.Context, job *jobs.Record) stepResult {
	var p GuardPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return stepFailConfig("malformed guard payload: %v", err)
	}
	if p.BookVersionID == "" {
		return stepFailConfig("guard payload missing book_version_id")
	}

	sk, err := e.skeletons.Get(ctx, p.BookVersionID)
	if err != nil {
		if errors.Is(err, skeleton.ErrNotFound) {
			return stepFailConfig("no skeleton for book version %s", p.BookVersionID)
		}
		return stepFail("skeleton lookup failed: %v", err)
	}

	excerpt, err := e.collectExcerpts(ctx, sk, p.BookVersionID)
	if err != nil {
		return stepFail("content lookup failed: %v", err)
	}

	client, ok := e.provider()
	if !ok {
		return stepFailConfig("no generation provider configured")
	}

	prompt := fmt.Sprintf("Book: %s\n", sk.Title)
	if p.Rubric != "" {
		prompt += "Rubric:\n" + p.Rubric + "\n"
	}
	prompt += "\nContent to review:\n" + excerpt

	res, err := client.Generate(ctx, &providers.GenerateRequest{
		System: guardSystemPrompt,
		Prompt: prompt,
	})
	if err != nil {
		return stepFail("guard check failed: %v", err)
	}

	var verdict GuardResult
	if err := json.Unmarshal([]byte(stripFences(res.Content)), &verdict); err != nil {
		return stepFail("guard verdict did not parse: %v", err)
	}
	if !verdict.Passed {
		e.store.LogEvent(ctx, job.ID, "warn",
			fmt.Sprintf("guard found %d issues", len(verdict.Findings)))
	}
	return stepDone(&verdict)
}

func (e *Executor) collectExcerpts(ctx context.Context, sk *skeleton.Skeleton, versionID string) (string, error) {
	var b strings.Builder
	collected := 0
	for ci, ch := range sk.Chapters {
		for si := 0; si < ch.SectionCount && collected < guardMaxSections; si++ {
			content, found, err := e.skeletons.GetSection(ctx, versionID, ci, si)
			if err != nil {
				return "", err
			}
			if !found {
				continue
			}
			fmt.Fprintf(&b, "--- chapter %d section %d ---\n%s\n", ci, si, content)
			collected++
		}
	}
	if collected == 0 {
		b.WriteString("(no generated content stored yet; review the outline)\n")
		for i, ch := range sk.Chapters {
			fmt.Fprintf(&b, "chapter %d: %s (%d sections)\n", i, ch.Title, ch.SectionCount)
		}
	}
	return b.String(), nil
}
