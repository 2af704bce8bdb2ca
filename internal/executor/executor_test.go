package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"report-export-pipeline/internal/config"
	"report-export-pipeline/internal/depend"
	"report-export-pipeline/internal/export"
	"report-export-pipeline/internal/models"
	"report-export-pipeline/internal/queue"
	"report-export-pipeline/internal/store"
)

func testConfig() config.Config {
	return config.Config{
		DefaultChunkSize: 1000,
		ChunkRetryLimit:  3,
		ChunkRetryDelay:  time.Millisecond,
		MaxEmptyChunks:   3,
	}
}

// progressStore records every progress percent the executor writes.
type progressStore struct {
	*store.Memory
	mu       sync.Mutex
	percents []int
}

func (p *progressStore) UpdateProgress(ctx context.Context, id string, processed, total int64, percent int) error {
	if err := p.Memory.UpdateProgress(ctx, id, processed, total, percent); err != nil {
		return err
	}
	p.mu.Lock()
	p.percents = append(p.percents, percent)
	p.mu.Unlock()
	return nil
}

// fakeSource serves totalRecords rows in offset order, optionally failing
// the first failures fetches.
type fakeSource struct {
	mu       sync.Mutex
	total    int64
	failures int
	offsets  []int64
	limits   []int64
	onFetch  func(call int)
}

func (s *fakeSource) CountRecords(context.Context, export.ChunkQuery) (int64, error) {
	return s.total, nil
}

func (s *fakeSource) FetchChunk(_ context.Context, _ export.ChunkQuery, offset, limit int64) ([]export.Record, error) {
	s.mu.Lock()
	call := len(s.offsets)
	s.offsets = append(s.offsets, offset)
	s.limits = append(s.limits, limit)
	hook := s.onFetch
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if fail {
		return nil, errors.New("transient source outage")
	}

	remaining := s.total - offset
	if remaining <= 0 {
		return nil, nil
	}
	n := limit
	if remaining < n {
		n = remaining
	}
	records := make([]export.Record, n)
	for i := int64(0); i < n; i++ {
		records[i] = export.Record{"row": offset + i}
	}
	return records, nil
}

func (s *fakeSource) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offsets)
}

// memSink collects chunks in memory and counts lifecycle calls.
type memSink struct {
	mu        sync.Mutex
	chunks    [][]export.Record
	finalized int
	discarded int
}

func (s *memSink) AppendChunk(_ context.Context, records []export.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, records)
	return nil
}

func (s *memSink) Finalize(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized++
	return "mem://export", nil
}

func (s *memSink) Discard() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized == 0 {
		s.discarded++
	}
	return nil
}

type memSinkFactory struct {
	sink  *memSink
	opens int
}

func (f *memSinkFactory) Open(context.Context, string, string) (export.Sink, error) {
	f.opens++
	return f.sink, nil
}

func startJob(t *testing.T, q *queue.JobQueue, jobType string) models.Job {
	t.Helper()
	ctx := context.Background()
	_, err := q.Enqueue(ctx, queue.EnqueueParams{
		JobType:        jobType,
		OwnerRole:      "ADMIN",
		RequestPayload: json.RawMessage(`{"chunk_size":1000,"format":"JSON"}`),
		Credential:     "token",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := q.ClaimNext(ctx, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (claimed %d)", err, len(claimed))
	}
	return claimed[0]
}

func TestProcessJobChunkLoop(t *testing.T) {
	ctx := context.Background()
	ps := &progressStore{Memory: store.NewMemory()}
	q := queue.New(ps, nil)
	job := startJob(t, q, "DAILY_REPORT")

	src := &fakeSource{total: 2500}
	sink := &memSink{}
	exec := New(testConfig(), q, src, export.PassthroughMasker{}, &memSinkFactory{sink: sink}, nil, nil)

	exec.ProcessJob(ctx, job.ID)

	// 2500 records at chunk size 1000: exactly three fetches.
	wantOffsets := []int64{0, 1000, 2000}
	if len(src.offsets) != len(wantOffsets) {
		t.Fatalf("expected %d fetches, got %d", len(wantOffsets), len(src.offsets))
	}
	for i, want := range wantOffsets {
		if src.offsets[i] != want || src.limits[i] != 1000 {
			t.Fatalf("fetch %d: offset=%d limit=%d", i, src.offsets[i], src.limits[i])
		}
	}

	wantPercents := []int{0, 40, 80, 100}
	if fmt.Sprint(ps.percents) != fmt.Sprint(wantPercents) {
		t.Fatalf("progress percents = %v, want %v", ps.percents, wantPercents)
	}

	if len(sink.chunks) != 3 || len(sink.chunks[2]) != 500 {
		t.Fatalf("unexpected chunk shapes: %d chunks", len(sink.chunks))
	}
	if sink.finalized != 1 || sink.discarded != 0 {
		t.Fatalf("sink finalized=%d discarded=%d", sink.finalized, sink.discarded)
	}

	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", got.Status)
	}
	if got.ResultLocation == nil || *got.ResultLocation != "mem://export" {
		t.Fatalf("result location not recorded: %+v", got)
	}
	if got.RecordsProcessed != 2500 || got.ProgressPercent != 100 {
		t.Fatalf("final progress wrong: %+v", got)
	}
}

func TestProcessJobRetriesTransientChunkFailure(t *testing.T) {
	ctx := context.Background()
	q := queue.New(store.NewMemory(), nil)
	job := startJob(t, q, "DAILY_REPORT")

	src := &fakeSource{total: 1500, failures: 2}
	sink := &memSink{}
	exec := New(testConfig(), q, src, export.PassthroughMasker{}, &memSinkFactory{sink: sink}, nil, nil)

	exec.ProcessJob(ctx, job.ID)

	got, _ := q.Get(ctx, job.ID)
	if got.Status != models.StatusCompleted {
		t.Fatalf("expected COMPLETED after retries, got %s (%v)", got.Status, got.ErrorDetail)
	}
	// Two failed attempts at offset 0, then the successful pass.
	if src.fetchCount() != 4 {
		t.Fatalf("expected 4 fetches (2 retries + 2 chunks), got %d", src.fetchCount())
	}
}

func TestProcessJobFailsAfterRetryLimit(t *testing.T) {
	ctx := context.Background()
	q := queue.New(store.NewMemory(), nil)
	job := startJob(t, q, "DAILY_REPORT")

	rules, err := depend.ParseRules([]byte(`[
		{"parent_job_type": "DAILY_REPORT", "dependent_job_type": "DAILY_SUMMARY"}
	]`))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	deps := depend.NewEngine(q, rules)

	src := &fakeSource{total: 1500, failures: 100}
	sink := &memSink{}
	exec := New(testConfig(), q, src, export.PassthroughMasker{}, &memSinkFactory{sink: sink}, deps, nil)

	exec.ProcessJob(ctx, job.ID)

	got, _ := q.Get(ctx, job.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.ErrorDetail == nil {
		t.Fatalf("error detail missing")
	}
	if src.fetchCount() != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", src.fetchCount())
	}
	if sink.discarded != 1 || sink.finalized != 0 {
		t.Fatalf("sink must be discarded on failure: finalized=%d discarded=%d", sink.finalized, sink.discarded)
	}

	// ON_SUCCESS rule must not fire for a failed parent.
	queued, _ := q.List(ctx, models.StatusQueued, "", 10)
	if len(queued) != 0 {
		t.Fatalf("failed job must not create dependents, found %d", len(queued))
	}
}

func TestProcessJobSkipsCancelledBeforeStart(t *testing.T) {
	ctx := context.Background()
	q := queue.New(store.NewMemory(), nil)
	job := startJob(t, q, "DAILY_REPORT")
	if _, err := q.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	src := &fakeSource{total: 1000}
	factory := &memSinkFactory{sink: &memSink{}}
	exec := New(testConfig(), q, src, export.PassthroughMasker{}, factory, nil, nil)

	exec.ProcessJob(ctx, job.ID)

	if src.fetchCount() != 0 {
		t.Fatalf("cancelled job must not touch the data source")
	}
	if factory.opens != 0 {
		t.Fatalf("cancelled job must not open a sink")
	}
	got, _ := q.Get(ctx, job.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("status must stay CANCELLED, got %s", got.Status)
	}
}

func TestProcessJobObservesCancelSignalBetweenChunks(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cancels := queue.NewCancelSignal(client, time.Minute)

	q := queue.New(store.NewMemory(), cancels)
	job := startJob(t, q, "DAILY_REPORT")

	src := &fakeSource{total: 5000}
	src.onFetch = func(call int) {
		if call == 0 {
			if err := cancels.Raise(ctx, job.ID); err != nil {
				t.Errorf("raise: %v", err)
			}
		}
	}
	sink := &memSink{}
	exec := New(testConfig(), q, src, export.PassthroughMasker{}, &memSinkFactory{sink: sink}, nil, cancels)

	exec.ProcessJob(ctx, job.ID)

	// The worker finishes the chunk in flight, then observes the signal.
	if src.fetchCount() != 1 {
		t.Fatalf("expected 1 fetch before cancellation, got %d", src.fetchCount())
	}
	if sink.discarded != 1 || sink.finalized != 0 {
		t.Fatalf("partial output must be discarded: finalized=%d discarded=%d", sink.finalized, sink.discarded)
	}
	raised, _ := cancels.Raised(ctx, job.ID)
	if raised {
		t.Fatalf("signal should be cleared once observed")
	}
}

func TestProcessJobCompletedTriggersDependent(t *testing.T) {
	ctx := context.Background()
	q := queue.New(store.NewMemory(), nil)
	job := startJob(t, q, "DAILY_REPORT")

	rules, err := depend.ParseRules([]byte(`[
		{"parent_job_type": "DAILY_REPORT", "dependent_job_type": "DAILY_SUMMARY", "dependent_chunk_size": 500}
	]`))
	if err != nil {
		t.Fatalf("parse rules: %v", err)
	}
	deps := depend.NewEngine(q, rules)

	src := &fakeSource{total: 100}
	exec := New(testConfig(), q, src, export.PassthroughMasker{}, &memSinkFactory{sink: &memSink{}}, deps, nil)

	exec.ProcessJob(ctx, job.ID)

	queued, _ := q.List(ctx, models.StatusQueued, "", 10)
	if len(queued) != 1 {
		t.Fatalf("expected exactly one dependent, got %d", len(queued))
	}
	dep := queued[0]
	if dep.JobType != "DAILY_SUMMARY" {
		t.Fatalf("unexpected dependent type %s", dep.JobType)
	}
	if dep.ParentJobID == nil || *dep.ParentJobID != job.ID {
		t.Fatalf("dependent must reference parent %s: %+v", job.ID, dep)
	}
	if dep.Credential != "token" {
		t.Fatalf("dependent must inherit the parent credential")
	}

	req, err := export.DecodeRequest(dep.RequestPayload)
	if err != nil {
		t.Fatalf("decode dependent payload: %v", err)
	}
	if req.ChunkSize != 500 {
		t.Fatalf("chunk size override not applied: %d", req.ChunkSize)
	}
}
