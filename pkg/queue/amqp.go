package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type AMQPQueueConfig struct {
	URL        string
	Queue      string
	MaxRetries int
	RetryDelay time.Duration
}

// AMQPJobQueue delivers jobs through a durable RabbitMQ queue. Failed jobs
// are republished with an incremented attempt count.
type AMQPJobQueue struct {
	conn       *amqp.Connection
	pubMu      sync.Mutex
	pub        *amqp.Channel
	queue      string
	maxRetries int
	retryDelay time.Duration
}

// NewAMQPJobQueue dials the broker and declares the queue.
func NewAMQPJobQueue(cfg AMQPQueueConfig) (*AMQPJobQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		return nil, errors.New("queue name required")
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := pub.QueueDeclare(name, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &AMQPJobQueue{
		conn:       conn,
		pub:        pub,
		queue:      name,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}, nil
}

func (q *AMQPJobQueue) Enqueue(ctx context.Context, documentID string) (JobStatus, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return JobStatus{}, errors.New("documentId required")
	}
	job := newEnvelope(documentID)
	if err := q.publish(ctx, job); err != nil {
		return JobStatus{}, err
	}
	return job.status(StatusQueued, ""), nil
}

func (q *AMQPJobQueue) publish(ctx context.Context, job envelope) error {
	body, err := job.encode()
	if err != nil {
		return err
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.pub.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

// Start consumes on a dedicated channel with prefetch equal to concurrency.
func (q *AMQPJobQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		slog.Error("amqp_consume_channel_failed", "err", err)
		return
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		slog.Error("amqp_qos_failed", "err", err)
		ch.Close()
		return
	}
	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		slog.Error("amqp_consume_failed", "queue", q.queue, "err", err)
		ch.Close()
		return
	}
	go func() {
		<-ctx.Done()
		ch.Close()
	}()
	for i := 0; i < concurrency; i++ {
		go func() {
			for d := range deliveries {
				q.handleDelivery(ctx, d, handler)
			}
		}()
	}
}

func (q *AMQPJobQueue) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	job, err := decodeEnvelope(d.Body)
	if err != nil {
		slog.Warn("amqp_job_malformed", "err", err)
		_ = d.Ack(false)
		return
	}
	job.Attempts++
	err = handler(ctx, job.status(StatusProcessing, ""))
	if err == nil || job.Attempts >= q.maxRetries {
		if err != nil {
			slog.Warn("amqp_job_failed", "document_id", job.DocumentID, "attempts", job.Attempts, "err", err)
		}
		_ = d.Ack(false)
		return
	}
	select {
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	case <-time.After(q.retryDelay):
	}
	if perr := q.publish(ctx, job); perr != nil {
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Close closes the publishing channel and the connection.
func (q *AMQPJobQueue) Close() error {
	q.pubMu.Lock()
	_ = q.pub.Close()
	q.pubMu.Unlock()
	return q.conn.Close()
}
