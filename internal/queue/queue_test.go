package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"report-export-pipeline/internal/models"
	"report-export-pipeline/internal/store"
)

func enqueue(t *testing.T, q *JobQueue, jobType string) models.Job {
	t.Helper()
	job, err := q.Enqueue(context.Background(), EnqueueParams{
		JobType:        jobType,
		OwnerRole:      "ADMIN",
		RequestPayload: json.RawMessage(`{"format":"JSON"}`),
		Credential:     "token-123",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

func TestEnqueueRequiresJobType(t *testing.T) {
	q := New(store.NewMemory(), nil)
	if _, err := q.Enqueue(context.Background(), EnqueueParams{OwnerRole: "ADMIN"}); err == nil {
		t.Fatalf("expected error for missing job type")
	}
}

func TestEnqueueDefaults(t *testing.T) {
	q := New(store.NewMemory(), nil)
	job := enqueue(t, q, "DAILY_REPORT")

	if job.Status != models.StatusQueued {
		t.Fatalf("expected QUEUED, got %s", job.Status)
	}
	if job.Priority != models.DefaultPriority {
		t.Fatalf("expected default priority, got %d", job.Priority)
	}
	if job.RecordsProcessed != 0 || job.RecordsTotal != 0 || job.ProgressPercent != 0 {
		t.Fatalf("progress fields should start zeroed: %+v", job)
	}
	if job.Credential != "token-123" {
		t.Fatalf("credential not captured")
	}
}

func TestClaimNextDrains(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory(), nil)

	first := enqueue(t, q, "A")
	time.Sleep(time.Millisecond)
	second := enqueue(t, q, "B")

	// Fewer queued jobs than the limit: return what exists, never block.
	claimed, err := q.ClaimNext(ctx, 5)
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("expected 2 claims, got %d", len(claimed))
	}
	if claimed[0].ID != first.ID || claimed[1].ID != second.ID {
		t.Fatalf("expected oldest-first claim order")
	}
	for _, job := range claimed {
		if job.Status != models.StatusProcessing {
			t.Fatalf("claimed job not PROCESSING: %+v", job)
		}
	}

	// Repeated calls on a drained queue return nothing and no duplicates.
	for i := 0; i < 3; i++ {
		again, err := q.ClaimNext(ctx, 5)
		if err != nil {
			t.Fatalf("claim next (drained): %v", err)
		}
		if len(again) != 0 {
			t.Fatalf("expected no claims on drained queue, got %d", len(again))
		}
	}
}

func TestRecordProgressMonotonic(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	q := New(mem, nil)
	job := enqueue(t, q, "DAILY_REPORT")
	if _, err := q.ClaimNext(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	var last int64 = -1
	for _, processed := range []int64{1000, 2000, 2500} {
		if err := q.RecordProgress(ctx, job.ID, processed, 2500); err != nil {
			t.Fatalf("record progress: %v", err)
		}
		got, err := q.Get(ctx, job.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.RecordsProcessed < last {
			t.Fatalf("records_processed decreased: %d -> %d", last, got.RecordsProcessed)
		}
		last = got.RecordsProcessed
	}

	got, _ := q.Get(ctx, job.ID)
	if got.ProgressPercent != 100 {
		t.Fatalf("expected 100%%, got %d", got.ProgressPercent)
	}
}

func TestCompleteAndAudit(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	q := New(mem, nil)
	job := enqueue(t, q, "DAILY_REPORT")

	// Complete before claiming is a programming error, surfaced distinctly
	// from a lost race.
	if _, err := q.Complete(ctx, job.ID, "out/x.json"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := q.ClaimNext(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	done, err := q.Complete(ctx, job.ID, "out/x.json")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != models.StatusCompleted || done.CompletedAt == nil {
		t.Fatalf("unexpected completed job: %+v", done)
	}

	transitions := mem.Transitions(job.ID)
	var seq []string
	for _, tr := range transitions {
		seq = append(seq, tr.ToStatus)
	}
	want := []string{models.StatusQueued, models.StatusProcessing, models.StatusCompleted}
	if len(seq) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), seq)
	}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("transition %d: got %s, want %s", i, seq[i], want[i])
		}
	}
}

func TestFailRecordsDetail(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory(), nil)
	job := enqueue(t, q, "DAILY_REPORT")
	if _, err := q.ClaimNext(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}

	failed, err := q.Fail(ctx, job.ID, "data source unavailable")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != models.StatusFailed {
		t.Fatalf("expected FAILED, got %s", failed.Status)
	}
	if failed.ErrorDetail == nil || *failed.ErrorDetail != "data source unavailable" {
		t.Fatalf("error detail not recorded: %+v", failed)
	}
}

func TestCancelQueuedAndProcessing(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemory(), nil)

	queued := enqueue(t, q, "A")
	cancelled, err := q.Cancel(ctx, queued.ID)
	if err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	running := enqueue(t, q, "B")
	if _, err := q.ClaimNext(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	cancelled, err = q.Cancel(ctx, running.ID)
	if err != nil {
		t.Fatalf("cancel processing: %v", err)
	}
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	// Terminal jobs stay put.
	if _, err := q.Cancel(ctx, running.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}
