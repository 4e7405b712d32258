package skeleton

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no skeleton or section content exists.
var ErrNotFound = errors.New("skeleton not found")

const skeletonSchema = `
CREATE TABLE IF NOT EXISTS skeletons (
	book_version_id TEXT PRIMARY KEY,
	org_id          TEXT NOT NULL DEFAULT '',
	data            TEXT NOT NULL,
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS section_contents (
	book_version_id TEXT NOT NULL,
	chapter_index   INTEGER NOT NULL,
	section_index   INTEGER NOT NULL,
	content         TEXT NOT NULL,
	model           TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL,
	PRIMARY KEY (book_version_id, chapter_index, section_index)
);
`

// Store persists skeleton artifacts and generated section contents. It shares
// the job store's database so the whole system has a single durable file.
type Store struct {
	db *sql.DB
}

// NewStore creates the skeleton store, applying its schema.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(skeletonSchema); err != nil {
		return nil, fmt.Errorf("failed to apply skeleton schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Put validates and stores a skeleton under a book version id.
// Existing versions are overwritten; version ids are expected to be fresh
// per generation run.
func (s *Store) Put(ctx context.Context, versionID, orgID string, data []byte) (*Skeleton, error) {
	sk, err := Parse(data)
	if err != nil {
		return nil, err
	}

	canonical, err := json.Marshal(sk)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skeletons (book_version_id, org_id, data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(book_version_id) DO UPDATE SET
			org_id = excluded.org_id, data = excluded.data`,
		versionID, orgID, string(canonical), time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to store skeleton: %w", err)
	}
	return sk, nil
}

// Get loads the skeleton for a book version.
func (s *Store) Get(ctx context.Context, versionID string) (*Skeleton, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM skeletons WHERE book_version_id = ?`, versionID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("book version %s: %w", versionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load skeleton: %w", err)
	}

	var sk Skeleton
	if err := json.Unmarshal([]byte(data), &sk); err != nil {
		return nil, fmt.Errorf("stored skeleton is corrupt: %w", err)
	}
	return &sk, nil
}

// PutSection stores generated content for one section, overwriting any
// previous generation for the same coordinates.
func (s *Store) PutSection(ctx context.Context, versionID string, chapter, section int, content, model string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO section_contents
			(book_version_id, chapter_index, section_index, content, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(book_version_id, chapter_index, section_index) DO UPDATE SET
			content = excluded.content, model = excluded.model`,
		versionID, chapter, section, content, model, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store section content: %w", err)
	}
	return nil
}

// GetSection returns stored content for one section. The boolean reports
// whether content exists; generation steps use this to skip work already done.
func (s *Store) GetSection(ctx context.Context, versionID string, chapter, section int) (string, bool, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM section_contents
		WHERE book_version_id = ? AND chapter_index = ? AND section_index = ?`,
		versionID, chapter, section,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load section content: %w", err)
	}
	return content, true, nil
}

// CountSections returns how many sections of a version have stored content.
func (s *Store) CountSections(ctx context.Context, versionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM section_contents WHERE book_version_id = ?`, versionID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count section contents: %w", err)
	}
	return n, nil
}
