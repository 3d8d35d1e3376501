package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestInlineQueueRetriesUntilSuccess(t *testing.T) {
	q := NewInlineQueue(3)
	var calls atomic.Int32
	q.Start(context.Background(), 2, func(ctx context.Context, job JobStatus) error {
		if job.DocumentID != "doc-1" {
			t.Errorf("unexpected document %q", job.DocumentID)
		}
		if calls.Add(1) < 2 {
			return errors.New("transient")
		}
		return nil
	})
	job, err := q.Enqueue(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != StatusQueued || job.ID == "" {
		t.Fatalf("unexpected job: %+v", job)
	}
	q.Wait()
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestInlineQueueStopsAfterMaxRetries(t *testing.T) {
	q := NewInlineQueue(2)
	var calls atomic.Int32
	q.Start(context.Background(), 1, func(ctx context.Context, job JobStatus) error {
		calls.Add(1)
		return errors.New("permanent")
	})
	if _, err := q.Enqueue(context.Background(), "doc-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
}

func TestInlineQueueRequiresStart(t *testing.T) {
	q := NewInlineQueue(1)
	if _, err := q.Enqueue(context.Background(), "doc-1"); err == nil {
		t.Fatalf("expected error before Start")
	}
	q.Start(context.Background(), 1, func(context.Context, JobStatus) error { return nil })
	if _, err := q.Enqueue(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty document id")
	}
}

func TestRedisJobQueueProcessesJob(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:extract",
		Group:      "extractors",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan JobStatus, 1)
	q.Start(ctx, 1, func(ctx context.Context, job JobStatus) error {
		done <- job
		return nil
	})

	job, err := q.Enqueue(ctx, "doc-7")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case got := <-done:
		if got.DocumentID != "doc-7" || got.Attempts != 1 {
			t.Fatalf("unexpected job: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job not processed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, ok, err := q.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && status.Status == StatusDone {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job never marked done")
}

func TestDecodeEnvelope(t *testing.T) {
	job, err := decodeEnvelope([]byte(`{"id":"j1","documentId":"doc-1","attempts":2}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.ID != "j1" || job.DocumentID != "doc-1" || job.Attempts != 2 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if _, err := decodeEnvelope([]byte(`{"id":"j1"}`)); err == nil {
		t.Fatalf("expected error without document id")
	}
	if _, err := decodeEnvelope([]byte(`nope`)); err == nil {
		t.Fatalf("expected error for malformed body")
	}
	st := job.status(StatusProcessing, "")
	if st.Status != StatusProcessing || st.DocumentID != "doc-1" {
		t.Fatalf("unexpected status: %+v", st)
	}
}
