// Package skeleton models the precomputed per-book structure that fixes
// chapter and section counts before any generation job runs. Skeletons are
// produced by a separate ingestion pipeline and treated as immutable here;
// a disagreement between a job's recorded counts and the stored skeleton is
// a fatal configuration error, never silently clamped.
package skeleton

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Chapter is one chapter entry in a book skeleton.
type Chapter struct {
	Title        string `json:"title"`
	SectionCount int    `json:"section_count"`
}

// Skeleton is the persisted per-book structure.
type Skeleton struct {
	BookID   string    `json:"book_id"`
	Title    string    `json:"title"`
	Voice    string    `json:"voice,omitempty"`
	Chapters []Chapter `json:"chapters"`
}

// ChapterCount returns the number of chapters.
func (s *Skeleton) ChapterCount() int {
	return len(s.Chapters)
}

// SectionCount returns the section count for a chapter index, or an error if
// the index is out of range.
func (s *Skeleton) SectionCount(chapterIndex int) (int, error) {
	if chapterIndex < 0 || chapterIndex >= len(s.Chapters) {
		return 0, fmt.Errorf("chapter index %d out of range (skeleton has %d chapters)",
			chapterIndex, len(s.Chapters))
	}
	return s.Chapters[chapterIndex].SectionCount, nil
}

const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["book_id", "chapters"],
	"properties": {
		"book_id": {"type": "string", "minLength": 1},
		"title": {"type": "string"},
		"voice": {"type": "string"},
		"chapters": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["title", "section_count"],
				"properties": {
					"title": {"type": "string"},
					"section_count": {"type": "integer", "minimum": 1}
				}
			}
		}
	}
}`

var schema = jsonschema.MustCompileString("skeleton.json", schemaJSON)

// Parse validates raw skeleton JSON against the schema and decodes it.
func Parse(data []byte) (*Skeleton, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid skeleton JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("skeleton failed schema validation: %w", err)
	}

	var sk Skeleton
	if err := json.Unmarshal(data, &sk); err != nil {
		return nil, fmt.Errorf("failed to decode skeleton: %w", err)
	}
	return &sk, nil
}
