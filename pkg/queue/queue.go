package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"lexassist/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

type JobStatus struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"documentId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// envelope is the broker payload of a job. Attempts travels with the
// message so a republished job keeps its retry count.
type envelope struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"documentId"`
	Attempts   int       `json:"attempts"`
	CreatedAt  time.Time `json:"createdAt"`
}

func newEnvelope(documentID string) envelope {
	return envelope{ID: util.NewID(), DocumentID: documentID, CreatedAt: time.Now().UTC()}
}

func (e envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}

func decodeEnvelope(body []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return envelope{}, err
	}
	if e.ID == "" || strings.TrimSpace(e.DocumentID) == "" {
		return envelope{}, errors.New("job id and documentId required")
	}
	return e, nil
}

func (e envelope) status(status, errMsg string) JobStatus {
	return JobStatus{
		ID:           e.ID,
		DocumentID:   e.DocumentID,
		Status:       status,
		ErrorMessage: errMsg,
		Attempts:     e.Attempts,
		CreatedAt:    e.CreatedAt,
		UpdatedAt:    time.Now().UTC(),
	}
}

// Handler processes one job. A non-nil error schedules a retry until the
// queue's retry budget is spent.
type Handler func(context.Context, JobStatus) error

// JobQueue delivers document extraction jobs to handlers.
type JobQueue interface {
	Enqueue(ctx context.Context, documentID string) (JobStatus, error)
	Start(ctx context.Context, concurrency int, handler Handler)
	Close() error
}

// InlineQueue runs each job on its own goroutine in-process. It is used when
// no broker is configured; jobs do not survive a restart.
type InlineQueue struct {
	mu         sync.Mutex
	ctx        context.Context
	handler    Handler
	sem        chan struct{}
	maxRetries int
	wg         sync.WaitGroup
}

// NewInlineQueue builds an in-process queue with the given retry budget.
func NewInlineQueue(maxRetries int) *InlineQueue {
	if maxRetries <= 0 {
		maxRetries = 1
	}
	return &InlineQueue{maxRetries: maxRetries}
}

// Start registers the handler. Jobs enqueued before Start fail.
func (q *InlineQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx = ctx
	q.handler = handler
	q.sem = make(chan struct{}, concurrency)
}

func (q *InlineQueue) Enqueue(_ context.Context, documentID string) (JobStatus, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return JobStatus{}, errors.New("documentId required")
	}
	q.mu.Lock()
	ctx, handler, sem := q.ctx, q.handler, q.sem
	q.mu.Unlock()
	if handler == nil {
		return JobStatus{}, errors.New("inline queue not started")
	}
	now := time.Now().UTC()
	job := JobStatus{
		ID:         util.NewID(),
		DocumentID: documentID,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	q.wg.Add(1)
	go func(job JobStatus) {
		defer q.wg.Done()
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-sem }()
		for job.Attempts < q.maxRetries {
			job.Attempts++
			job.Status = StatusProcessing
			if err := handler(ctx, job); err == nil || ctx.Err() != nil {
				return
			}
		}
	}(job)
	return job, nil
}

// Wait blocks until every enqueued job has finished.
func (q *InlineQueue) Wait() {
	q.wg.Wait()
}

// Close waits for in-flight jobs.
func (q *InlineQueue) Close() error {
	q.wg.Wait()
	return nil
}
