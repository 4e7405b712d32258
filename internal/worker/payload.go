package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lectern-ai/lectern/internal/jobs"
	"github.com/lectern-ai/lectern/internal/skeleton"
)

// ChapterPayload drives one chapter job. Counts are fixed at creation time
// from the stored skeleton; the step re-checks them against the skeleton on
// every invocation and treats a mismatch as fatal.
type ChapterPayload struct {
	BookID              string `json:"book_id,omitempty"`
	BookVersionID       string `json:"book_version_id"`
	ChapterIndex        int    `json:"chapter_index"`
	ChapterCount        int    `json:"chapter_count"`
	SectionCount        int    `json:"section_count"`
	NextSectionIndex    int    `json:"next_section_index"`
	PendingSectionJobID string `json:"pending_section_job_id,omitempty"`
	Instructions        string `json:"instructions,omitempty"`
}

// ChapterResult is written when a chapter job completes. Done=false with a
// successor id means the chapter finished and handed off to the next chapter;
// Done=true means the book is complete.
type ChapterResult struct {
	Done             bool   `json:"done"`
	NextChapterJobID string `json:"next_chapter_job_id,omitempty"`
}

// SectionPayload drives one section job. Sections are leaves: they never
// enqueue further jobs.
type SectionPayload struct {
	BookID        string `json:"book_id,omitempty"`
	BookVersionID string `json:"book_version_id"`
	ChapterIndex  int    `json:"chapter_index"`
	SectionIndex  int    `json:"section_index"`
	Instructions  string `json:"instructions,omitempty"`
}

// SectionResult is written when a section job completes.
type SectionResult struct {
	Done    bool   `json:"done"`
	Skipped bool   `json:"skipped,omitempty"` // content already existed
	Model   string `json:"model,omitempty"`
}

// CoursePayload drives a one-shot course outline generation.
type CoursePayload struct {
	Topic        string `json:"topic"`
	Title        string `json:"title,omitempty"`
	BookID       string `json:"book_id,omitempty"`
	ChapterCount int    `json:"chapter_count,omitempty"` // outline size hint
	Instructions string `json:"instructions,omitempty"`
}

// CourseResult reports the skeleton produced by course generation.
type CourseResult struct {
	BookVersionID string `json:"book_version_id"`
	ChapterCount  int    `json:"chapter_count"`
}

// GuardPayload drives a one-shot content guard check.
type GuardPayload struct {
	BookVersionID string `json:"book_version_id"`
	Rubric        string `json:"rubric,omitempty"`
}

// GuardResult reports the guard verdict.
type GuardResult struct {
	Passed   bool     `json:"passed"`
	Findings []string `json:"findings,omitempty"`
}

// VoicePayload drives the continuation-based voice normalization pass. The
// cursor advances one section per step.
type VoicePayload struct {
	BookVersionID    string `json:"book_version_id"`
	Voice            string `json:"voice,omitempty"`
	NextChapterIndex int    `json:"next_chapter_index"`
	NextSectionIndex int    `json:"next_section_index"`
	Rewritten        int    `json:"rewritten"`
}

// VoiceResult reports the completed normalization pass.
type VoiceResult struct {
	Done      bool `json:"done"`
	Rewritten int  `json:"rewritten"`
}

// NewChapterPayload builds a chapter payload with counts fixed from the
// skeleton.
func NewChapterPayload(sk *skeleton.Skeleton, versionID, bookID string, chapterIndex int, instructions string) (*ChapterPayload, error) {
	sections, err := sk.SectionCount(chapterIndex)
	if err != nil {
		return nil, err
	}
	return &ChapterPayload{
		BookID:        bookID,
		BookVersionID: versionID,
		ChapterIndex:  chapterIndex,
		ChapterCount:  sk.ChapterCount(),
		SectionCount:  sections,
		Instructions:  instructions,
	}, nil
}

// PreparePayload validates and normalizes a caller-supplied payload for a
// top-level job type before admission. For chapter jobs this is where the
// chapter/section counts are read from the stored skeleton and frozen into
// the payload.
func PreparePayload(ctx context.Context, skeletons *skeleton.Store, jobType jobs.JobType, raw json.RawMessage) (json.RawMessage, error) {
	switch jobType {
	case jobs.TypeGenerateChapter:
		var p ChapterPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid chapter payload: %w", err)
		}
		if p.BookVersionID == "" {
			return nil, fmt.Errorf("chapter payload requires book_version_id")
		}
		sk, err := skeletons.Get(ctx, p.BookVersionID)
		if err != nil {
			return nil, err
		}
		prepared, err := NewChapterPayload(sk, p.BookVersionID, p.BookID, p.ChapterIndex, p.Instructions)
		if err != nil {
			return nil, err
		}
		return json.Marshal(prepared)

	case jobs.TypeGenerateCourse:
		var p CoursePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid course payload: %w", err)
		}
		if p.Topic == "" {
			return nil, fmt.Errorf("course payload requires topic")
		}
		return json.Marshal(p)

	case jobs.TypeGuardCourse:
		var p GuardPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid guard payload: %w", err)
		}
		if p.BookVersionID == "" {
			return nil, fmt.Errorf("guard payload requires book_version_id")
		}
		return json.Marshal(p)

	case jobs.TypeNormalizeVoice:
		var p VoicePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("invalid voice payload: %w", err)
		}
		if p.BookVersionID == "" {
			return nil, fmt.Errorf("voice payload requires book_version_id")
		}
		p.NextChapterIndex = 0
		p.NextSectionIndex = 0
		p.Rewritten = 0
		return json.Marshal(p)

	default:
		return nil, fmt.Errorf("job type %q cannot be enqueued directly", jobType)
	}
}
