package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := Open(filepath.Join(t.TempDir(), "jobs.db"), logger, opts...)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func enqueueTest(t *testing.T, store *Store, jobType JobType, org, user string) *Record {
	t.Helper()
	rec, err := store.Enqueue(context.Background(), &Record{
		JobType:   jobType,
		Payload:   json.RawMessage(`{"book_version_id":"v1"}`),
		OrgID:     org,
		CreatedBy: user,
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return rec
}

// TestEnqueueAndGet tests basic record round-tripping.
func TestEnqueueAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTest(t, store, TypeGenerateChapter, "org1", "user1")
	if rec.ID == "" {
		t.Fatal("Enqueue() did not assign an id")
	}
	if rec.Status != StatusQueued {
		t.Errorf("status = %q, want %q", rec.Status, StatusQueued)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.JobType != TypeGenerateChapter {
		t.Errorf("job_type = %q, want %q", got.JobType, TypeGenerateChapter)
	}
	if got.OrgID != "org1" || got.CreatedBy != "user1" {
		t.Errorf("org/user = %q/%q, want org1/user1", got.OrgID, got.CreatedBy)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}

	events, err := store.Events(ctx, rec.ID, 10)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	if len(events) != 1 || events[0].Message != "enqueued" {
		t.Errorf("events = %v, want single enqueued event", events)
	}
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Enqueue(context.Background(), &Record{JobType: "mystery", OrgID: "org1"})
	if err == nil {
		t.Fatal("Enqueue() accepted an unknown job type")
	}
}

// TestClaimNext_FIFO tests that claims hand out the oldest queued job first.
func TestClaimNext_FIFO(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := enqueueTest(t, store, TypeGenerateChapter, "org1", "u")
	enqueueTest(t, store, TypeGenerateChapter, "org1", "u")

	rec, err := store.ClaimNext(ctx, TypeGenerateChapter, "org1")
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if rec == nil {
		t.Fatal("ClaimNext() returned nil with queued jobs available")
	}
	if rec.ID != first.ID {
		t.Errorf("claimed %s, want oldest %s", rec.ID, first.ID)
	}
	if rec.Status != StatusProcessing {
		t.Errorf("status = %q, want %q", rec.Status, StatusProcessing)
	}
	if rec.StartedAt == nil {
		t.Error("started_at not set on claim")
	}
}

// TestClaimNext_Scoping tests that claims respect the type and org filter.
func TestClaimNext_Scoping(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	enqueueTest(t, store, TypeGenerateChapter, "org1", "u")

	rec, err := store.ClaimNext(ctx, TypeGenerateSection, "org1")
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if rec != nil {
		t.Errorf("claimed a %s job when asking for sections", rec.JobType)
	}

	rec, err = store.ClaimNext(ctx, TypeGenerateChapter, "org2")
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if rec != nil {
		t.Error("claimed a job belonging to another org")
	}
}

func TestClaimNext_EmptyQueue(t *testing.T) {
	store := newTestStore(t)

	rec, err := store.ClaimNext(context.Background(), TypeGenerateChapter, "org1")
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if rec != nil {
		t.Errorf("ClaimNext() = %v, want nil on empty queue", rec)
	}
}

// TestConcurrentClaim tests that exactly one of many racing claimers wins a
// single queued job.
func TestConcurrentClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	target := enqueueTest(t, store, TypeGenerateChapter, "org1", "u")

	const claimers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := store.ClaimNext(ctx, TypeGenerateChapter, "org1")
			if err != nil {
				t.Errorf("ClaimNext() error = %v", err)
				return
			}
			if rec != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", wins)
	}

	got, err := store.Get(ctx, target.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusProcessing {
		t.Errorf("status = %q, want %q", got.Status, StatusProcessing)
	}
}

// TestClaim_Exact tests the exact-id claim path used when a driver targets a
// specific job.
func TestClaim_Exact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTest(t, store, TypeGenerateSection, "org1", "u")

	claimed, err := store.Claim(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed.Status != StatusProcessing {
		t.Errorf("status = %q, want %q", claimed.Status, StatusProcessing)
	}

	if _, err := store.Claim(ctx, rec.ID); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("second Claim() error = %v, want ErrNotClaimable", err)
	}
	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Claim(missing) error = %v, want ErrNotFound", err)
	}
}

func TestCompleteLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTest(t, store, TypeGenerateCourse, "org1", "u")
	if _, err := store.Claim(ctx, rec.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	result := json.RawMessage(`{"book_version_id":"v9"}`)
	if err := store.Complete(ctx, rec.ID, result); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusDone {
		t.Errorf("status = %q, want %q", got.Status, StatusDone)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if string(got.Result) != string(result) {
		t.Errorf("result = %s, want %s", got.Result, result)
	}

	// Terminal records cannot be completed again.
	if err := store.Complete(ctx, rec.ID, nil); err == nil {
		t.Error("Complete() succeeded on a done job")
	}
}

func TestFailAndRequeue(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTest(t, store, TypeGenerateChapter, "org1", "u")
	if _, err := store.Claim(ctx, rec.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := store.Fail(ctx, rec.ID, StatusFailed, "provider exploded"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusFailed || got.Error != "provider exploded" {
		t.Errorf("got %q/%q, want failed/provider exploded", got.Status, got.Error)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 after one failure", got.Attempts)
	}

	if err := store.Requeue(ctx, rec.ID); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	got, _ = store.Get(ctx, rec.ID)
	if got.Status != StatusQueued {
		t.Errorf("status = %q, want %q after requeue", got.Status, StatusQueued)
	}
	if got.Error != "" || got.StartedAt != nil || got.CompletedAt != nil {
		t.Errorf("requeue did not reset record: %+v", got)
	}
	// The failure count survives requeue from failed, so repeated
	// fail/requeue cycles still drain the retry budget.
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 preserved across requeue", got.Attempts)
	}
}

// TestRequeueFromDeadLetterResetsBudget tests that requeue out of dead_letter
// grants a fresh failure budget.
func TestRequeueFromDeadLetterResetsBudget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTest(t, store, TypeGenerateChapter, "org1", "u")
	if _, err := store.Claim(ctx, rec.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := store.Fail(ctx, rec.ID, StatusDeadLetter, "exhausted"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	if err := store.Requeue(ctx, rec.ID); err != nil {
		t.Fatalf("Requeue(dead_letter) error = %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 after dead_letter requeue", got.Attempts)
	}
}

func TestRequeueRejectsActiveJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTest(t, store, TypeGenerateChapter, "org1", "u")
	if err := store.Requeue(ctx, rec.ID); !errors.Is(err, ErrNotRequeueable) {
		t.Errorf("Requeue(queued) error = %v, want ErrNotRequeueable", err)
	}

	if _, err := store.Claim(ctx, rec.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := store.Complete(ctx, rec.ID, nil); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if err := store.Requeue(ctx, rec.ID); !errors.Is(err, ErrNotRequeueable) {
		t.Errorf("Requeue(done) error = %v, want ErrNotRequeueable", err)
	}
}

// TestStaleReclassification tests that a processing job whose claim is older
// than the staleness threshold flips to stale on the next read.
func TestStaleReclassification(t *testing.T) {
	store := newTestStore(t, WithStaleAfter(time.Minute))
	ctx := context.Background()

	rec := enqueueTest(t, store, TypeGenerateChapter, "org1", "u")
	if _, err := store.Claim(ctx, rec.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	// Backdate the claim past the threshold, as if the worker crashed.
	old := time.Now().UTC().Add(-2 * time.Minute)
	if _, err := store.db.ExecContext(ctx,
		`UPDATE jobs SET started_at = ? WHERE id = ?`, old, rec.ID); err != nil {
		t.Fatalf("backdate error = %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusStale {
		t.Fatalf("status = %q, want %q", got.Status, StatusStale)
	}

	// Stale jobs are recoverable via requeue.
	if err := store.Requeue(ctx, rec.ID); err != nil {
		t.Fatalf("Requeue(stale) error = %v", err)
	}

	// And they are not claimable until requeued again.
	claimed, err := store.ClaimNext(ctx, TypeGenerateChapter, "org1")
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if claimed == nil || claimed.ID != rec.ID {
		t.Error("requeued stale job not claimable")
	}
}

// TestStaleNotClaimable tests that a stale job never hands out a second
// claim while its worker may still be alive.
func TestStaleNotClaimable(t *testing.T) {
	store := newTestStore(t, WithStaleAfter(time.Minute))
	ctx := context.Background()

	rec := enqueueTest(t, store, TypeGenerateChapter, "org1", "u")
	if _, err := store.Claim(ctx, rec.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	old := time.Now().UTC().Add(-2 * time.Minute)
	if _, err := store.db.ExecContext(ctx,
		`UPDATE jobs SET started_at = ? WHERE id = ?`, old, rec.ID); err != nil {
		t.Fatalf("backdate error = %v", err)
	}

	claimed, err := store.ClaimNext(ctx, TypeGenerateChapter, "org1")
	if err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}
	if claimed != nil {
		t.Error("claimed a stale job")
	}
	if _, err := store.Claim(ctx, rec.ID); !errors.Is(err, ErrNotClaimable) {
		t.Errorf("Claim(stale) error = %v, want ErrNotClaimable", err)
	}
}

func TestContinueRequeuesWithNewPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTest(t, store, TypeGenerateChapter, "org1", "u")
	if _, err := store.Claim(ctx, rec.ID); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	next := json.RawMessage(`{"book_version_id":"v1","next_section_index":1}`)
	if err := store.Continue(ctx, rec.ID, next); err != nil {
		t.Fatalf("Continue() error = %v", err)
	}

	got, _ := store.Get(ctx, rec.ID)
	if got.Status != StatusQueued {
		t.Errorf("status = %q, want %q", got.Status, StatusQueued)
	}
	if string(got.Payload) != string(next) {
		t.Errorf("payload = %s, want %s", got.Payload, next)
	}
	if got.StartedAt != nil {
		t.Error("started_at not cleared on continuation")
	}
	// Continuations are progress, not failures; the budget is untouched.
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
}

func TestRequestCancel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTest(t, store, TypeGenerateChapter, "org1", "u")
	if err := store.RequestCancel(ctx, rec.ID); err != nil {
		t.Fatalf("RequestCancel() error = %v", err)
	}

	got, _ := store.Get(ctx, rec.ID)
	if !got.CancelRequested {
		t.Error("cancel_requested not set")
	}

	if err := store.RequestCancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("RequestCancel(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	enqueueTest(t, store, TypeGenerateChapter, "org1", "u")
	enqueueTest(t, store, TypeGenerateCourse, "org1", "u")
	enqueueTest(t, store, TypeGenerateChapter, "org2", "u")

	all, err := store.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}

	chapters, err := store.List(ctx, ListFilter{JobType: TypeGenerateChapter})
	if err != nil {
		t.Fatalf("List(type) error = %v", err)
	}
	if len(chapters) != 2 {
		t.Errorf("len(chapters) = %d, want 2", len(chapters))
	}

	org2, err := store.List(ctx, ListFilter{OrgID: "org2"})
	if err != nil {
		t.Fatalf("List(org) error = %v", err)
	}
	if len(org2) != 1 {
		t.Errorf("len(org2) = %d, want 1", len(org2))
	}

	queued, err := store.List(ctx, ListFilter{Status: StatusQueued, Limit: 2})
	if err != nil {
		t.Fatalf("List(status) error = %v", err)
	}
	if len(queued) != 2 {
		t.Errorf("len(queued) = %d, want 2 (limit)", len(queued))
	}
}

// TestFindJobByPayload tests that the payload lookup matches in SQL and is
// not fooled by a large backlog of newer jobs of the same type.
func TestFindJobByPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	target, err := store.Enqueue(ctx, &Record{
		JobType:   TypeGenerateSection,
		OrgID:     "org1",
		CreatedBy: "u",
		Payload:   json.RawMessage(`{"book_version_id":"v1","chapter_index":2,"section_index":3}`),
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// Bury the target under a backlog of newer section jobs.
	for i := 0; i < 250; i++ {
		payload := fmt.Sprintf(`{"book_version_id":"v2","chapter_index":0,"section_index":%d}`, i)
		if _, err := store.Enqueue(ctx, &Record{
			JobType:   TypeGenerateSection,
			OrgID:     "org1",
			CreatedBy: "u",
			Payload:   json.RawMessage(payload),
		}); err != nil {
			t.Fatalf("Enqueue() #%d error = %v", i, err)
		}
	}

	got, err := store.FindJob(ctx, TypeGenerateSection, "org1", map[string]any{
		"book_version_id": "v1",
		"chapter_index":   2,
		"section_index":   3,
	})
	if err != nil {
		t.Fatalf("FindJob() error = %v", err)
	}
	if got == nil || got.ID != target.ID {
		t.Errorf("FindJob() = %+v, want job %s", got, target.ID)
	}

	miss, err := store.FindJob(ctx, TypeGenerateSection, "org1", map[string]any{
		"book_version_id": "v1",
		"chapter_index":   9,
		"section_index":   9,
	})
	if err != nil {
		t.Fatalf("FindJob(miss) error = %v", err)
	}
	if miss != nil {
		t.Errorf("FindJob(miss) = %+v, want nil", miss)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := enqueueTest(t, store, TypeGenerateChapter, "org1", "u")
	if err := store.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double Delete() error = %v, want ErrNotFound", err)
	}
}

func TestStatusPredicates(t *testing.T) {
	term := []Status{StatusDone, StatusFailed, StatusDeadLetter}
	for _, s := range term {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	if StatusStale.Terminal() {
		t.Error("stale must not be terminal")
	}
	if !StatusStale.Resting() {
		t.Error("stale must be resting")
	}
	if StatusProcessing.Resting() || StatusQueued.Resting() {
		t.Error("active states must not be resting")
	}
}
