package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"lexassist/internal/util"
)

const envelopeField = "job"

// RedisJobQueue delivers extraction jobs over a redis stream read by a
// consumer group. Deliveries left pending by a dead consumer are reclaimed
// after ClaimIdle; failed jobs are re-added with their attempt count.
type RedisJobQueue struct {
	client     *redis.Client
	ownsClient bool
	cfg        RedisQueueConfig
	groupOnce  sync.Once
}

type RedisQueueConfig struct {
	// Client is reused when set; otherwise Addr and Password dial a new one.
	Client     *redis.Client
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	StatusTTL  time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	BatchSize  int64
}

func (c *RedisQueueConfig) applyDefaults() {
	c.Stream = strings.TrimSpace(c.Stream)
	c.Group = strings.TrimSpace(c.Group)
	if c.Group == "" {
		c.Group = "extractors"
	}
	c.Consumer = strings.TrimSpace(c.Consumer)
	if c.Consumer == "" {
		c.Consumer = util.NewID()
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = 24 * time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	cfg.applyDefaults()
	if cfg.Stream == "" {
		return nil, errors.New("queue stream required")
	}
	client := cfg.Client
	owns := false
	if client == nil {
		addr := strings.TrimSpace(cfg.Addr)
		if addr == "" {
			return nil, errors.New("redis addr required")
		}
		client = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password})
		owns = true
	}
	return &RedisJobQueue{client: client, ownsClient: owns, cfg: cfg}, nil
}

// Close releases the redis client when the queue dialed it.
func (q *RedisJobQueue) Close() error {
	if !q.ownsClient {
		return nil
	}
	return q.client.Close()
}

func (q *RedisJobQueue) Enqueue(ctx context.Context, documentID string) (JobStatus, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return JobStatus{}, errors.New("documentId required")
	}
	env := newEnvelope(documentID)
	status := env.status(StatusQueued, "")
	if err := q.saveStatus(ctx, status); err != nil {
		return JobStatus{}, err
	}
	if err := q.add(ctx, q.client, env); err != nil {
		return JobStatus{}, err
	}
	return status, nil
}

// GetJob reads the last recorded status of a job.
func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (JobStatus, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return JobStatus{}, false, nil
	}
	raw, err := q.client.Get(ctx, q.statusKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return JobStatus{}, false, nil
	}
	if err != nil {
		return JobStatus{}, false, err
	}
	var status JobStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return JobStatus{}, false, fmt.Errorf("decode job status: %w", err)
	}
	return status, true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := range concurrency {
		go q.consume(ctx, fmt.Sprintf("%s-%d", q.cfg.Consumer, i), handler)
	}
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("queue_group_create_failed", "stream", q.cfg.Stream, "group", q.cfg.Group, "err", err)
		}
	})
}

func (q *RedisJobQueue) consume(ctx context.Context, consumer string, handler Handler) {
	for ctx.Err() == nil {
		reclaimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.Group,
			Consumer: consumer,
			MinIdle:  q.cfg.ClaimIdle,
			Start:    "0-0",
			Count:    q.cfg.BatchSize,
		}).Result()
		if err == nil {
			for _, msg := range reclaimed {
				q.process(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    q.cfg.BatchSize,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				slog.Warn("queue_read_failed", "stream", q.cfg.Stream, "consumer", consumer, "err", err)
				sleepCtx(ctx, q.cfg.RetryDelay)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.process(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisJobQueue) process(ctx context.Context, msg redis.XMessage, handler Handler) {
	raw, _ := msg.Values[envelopeField].(string)
	env, err := decodeEnvelope([]byte(raw))
	if err != nil {
		slog.Warn("queue_job_malformed", "stream", q.cfg.Stream, "message_id", msg.ID, "err", err)
		q.drop(ctx, msg.ID)
		return
	}
	env.Attempts++
	running := env.status(StatusProcessing, "")
	_ = q.saveStatus(ctx, running)

	herr := handler(ctx, running)
	switch {
	case herr == nil:
		_ = q.saveStatus(ctx, env.status(StatusDone, ""))
		q.drop(ctx, msg.ID)
	case env.Attempts >= q.cfg.MaxRetries:
		slog.Warn("queue_job_failed", "document_id", env.DocumentID, "attempts", env.Attempts, "err", herr)
		_ = q.saveStatus(ctx, env.status(StatusFailed, herr.Error()))
		q.drop(ctx, msg.ID)
	default:
		_ = q.saveStatus(ctx, env.status(StatusQueued, herr.Error()))
		if !sleepCtx(ctx, q.cfg.RetryDelay) {
			return
		}
		// left pending on failure; XAutoClaim picks it up again
		_ = q.retry(ctx, msg.ID, env)
	}
}

// retry re-adds env and acknowledges msgID in one transaction.
func (q *RedisJobQueue) retry(ctx context.Context, msgID string, env envelope) error {
	pipe := q.client.TxPipeline()
	if err := q.add(ctx, pipe, env); err != nil {
		return err
	}
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, msgID)
	pipe.XDel(ctx, q.cfg.Stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) add(ctx context.Context, cmd redis.Cmdable, env envelope) error {
	body, err := env.encode()
	if err != nil {
		return err
	}
	return cmd.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{envelopeField: string(body)},
	}).Err()
}

func (q *RedisJobQueue) drop(ctx context.Context, msgID string) {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, msgID)
	pipe.XDel(ctx, q.cfg.Stream, msgID)
	_, _ = pipe.Exec(ctx)
}

func (q *RedisJobQueue) saveStatus(ctx context.Context, status JobStatus) error {
	body, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.statusKey(status.ID), body, q.cfg.StatusTTL).Err()
}

func (q *RedisJobQueue) statusKey(jobID string) string {
	return "job:" + q.cfg.Stream + ":" + jobID
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
