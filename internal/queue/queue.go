// Package queue implements the durable-queue runtime every worker is
// built on: consumer groups over Redis Streams, a bounded in-flight
// window per runner, and dead-letter streams for poison and failed
// entries. Delivery is at-most-once from the application's perspective:
// entries are acknowledged before their outcome is known and recovery
// after a failure is driven by the dead-letter stream, not redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/metrics"
)

var tracer = otel.Tracer("messenger-queue")

// Handler processes one parsed payload. A returned error acknowledges the
// entry and dead-letters it with reason "processing_failed".
type Handler func(ctx context.Context, payload []byte) error

// streamClient is the subset of Redis commands the queue runtime uses.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
}

// Queue wraps stream operations on a Redis client with tracing
type Queue struct {
	client streamClient
}

// New creates a Queue on an existing Redis client
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// EnsureGroup idempotently creates a consumer group at the start of the
// stream, creating the stream itself if needed.
func (q *Queue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

// Publish appends a JSON payload to a stream with tracing
func (q *Queue) Publish(ctx context.Context, stream string, payload any) error {
	ctx, span := tracer.Start(ctx, "queue.publish",
		trace.WithAttributes(attribute.String("stream", stream)),
	)
	defer span.End()

	data, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"payload": string(data)},
	}).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish to %s: %w", stream, err)
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return nil
}

// Ack marks entries processed for a consumer group
func (q *Queue) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := q.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack on %s: %w", stream, err)
	}
	return nil
}

// DeadLetter appends a failed entry to the stream's dead-letter stream.
// Dead-letter streams are an append-only audit trail, never consumed
// programmatically.
func (q *Queue) DeadLetter(ctx context.Context, stream, reason, errText string, payload []byte) error {
	ctx, span := tracer.Start(ctx, "queue.dead_letter",
		trace.WithAttributes(
			attribute.String("stream", stream),
			attribute.String("reason", reason),
		),
	)
	defer span.End()

	values := map[string]any{
		"reason": reason,
		"data":   string(payload),
	}
	if errText != "" {
		values["error"] = errText
	}

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: DLQStream(stream),
		Values: values,
	}).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to dead-letter on %s: %w", DLQStream(stream), err)
	}

	metrics.DeadLetters.WithLabelValues(stream, reason).Inc()
	return nil
}

// RunnerConfig configures one consumer loop.
type RunnerConfig struct {
	Stream       string
	Group        string
	Consumer     string
	MaxInFlight  int
	BlockTimeout time.Duration
	// ReadRetryMax caps the exponential backoff applied to transient read
	// failures. Jitter is applied so that consumers do not retry in
	// lockstep after a broker outage.
	ReadRetryMax time.Duration
}

// Runner executes a Handler against new entries of one stream, keeping at
// most MaxInFlight entries processing concurrently. No read is issued
// while the window is full; this is the only backpressure mechanism.
type Runner struct {
	queue   *Queue
	cfg     RunnerConfig
	handler Handler
	log     *logrus.Entry

	wg sync.WaitGroup
}

// NewRunner creates a Runner. The consumer group is created on Run.
func NewRunner(q *Queue, cfg RunnerConfig, handler Handler) *Runner {
	if cfg.MaxInFlight < 1 {
		cfg.MaxInFlight = 1
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.ReadRetryMax <= 0 {
		cfg.ReadRetryMax = 30 * time.Second
	}
	return &Runner{
		queue:   q,
		cfg:     cfg,
		handler: handler,
		log: logrus.WithFields(logrus.Fields{
			"stream": cfg.Stream,
			"group":  cfg.Group,
		}),
	}
}

// Run consumes until the context is canceled. In-flight handlers are
// allowed to settle before Run returns; they are not forcibly canceled.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.queue.EnsureGroup(ctx, r.cfg.Stream, r.cfg.Group); err != nil {
		return err
	}

	r.log.WithField("consumer", r.cfg.Consumer).Info("Consumer loop started")

	slots := make(chan struct{}, r.cfg.MaxInFlight)
	for i := 0; i < r.cfg.MaxInFlight; i++ {
		slots <- struct{}{}
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 250 * time.Millisecond
	retry.MaxInterval = r.cfg.ReadRetryMax
	retry.MaxElapsedTime = 0

	for {
		// Wait for a free slot before issuing the next read.
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case <-slots:
		}

		// One read fills the whole free window: the slot already taken
		// plus however many are still idle.
		free := 1 + len(slots)
		streams, err := r.queue.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			Streams:  []string{r.cfg.Stream, ">"},
			Count:    int64(free),
			Block:    r.cfg.BlockTimeout,
		}).Result()

		if err != nil {
			slots <- struct{}{}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				r.drain()
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout with no new entries.
				retry.Reset()
				continue
			}
			wait := retry.NextBackOff()
			r.log.WithError(err).WithField("retry_in", wait).Warn("Transient read failure")
			select {
			case <-ctx.Done():
				r.drain()
				return ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		retry.Reset()

		dispatched := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				if dispatched > 0 {
					// Entries past the first take the extra slots counted
					// into free at read time.
					<-slots
				}
				dispatched++
				r.wg.Add(1)
				metrics.JobsInFlight.WithLabelValues(r.cfg.Stream).Inc()
				go func(msg redis.XMessage) {
					defer r.wg.Done()
					defer func() {
						metrics.JobsInFlight.WithLabelValues(r.cfg.Stream).Dec()
						slots <- struct{}{}
					}()
					r.process(ctx, msg)
				}(msg)
			}
		}
		if dispatched == 0 {
			slots <- struct{}{}
		}
	}
}

// drain waits for all in-flight handlers to settle. Shutdown is
// best-effort: no hard deadline is imposed on outstanding calls.
func (r *Runner) drain() {
	r.wg.Wait()
	r.log.Info("Consumer loop stopped")
}

// process acknowledges the entry unconditionally and routes failures to
// the dead-letter stream.
func (r *Runner) process(ctx context.Context, msg redis.XMessage) {
	// A dispatched entry runs to completion even if the consumer context
	// is canceled mid-processing; shutdown only stops new reads.
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "queue.process",
		trace.WithAttributes(
			attribute.String("stream", r.cfg.Stream),
			attribute.String("entry_id", msg.ID),
		),
	)
	defer span.End()

	payload := []byte(extractPayload(msg))

	ack := func() {
		ackCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.queue.Ack(ackCtx, r.cfg.Stream, r.cfg.Group, msg.ID); err != nil {
			r.log.WithError(err).WithField("entry_id", msg.ID).Error("Failed to ack entry")
		}
	}
	deadLetter := func(reason, errText string) {
		dlqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.queue.DeadLetter(dlqCtx, r.cfg.Stream, reason, errText, payload); err != nil {
			r.log.WithError(err).WithField("entry_id", msg.ID).Error("Failed to dead-letter entry")
		}
		metrics.JobsProcessed.WithLabelValues(r.cfg.Stream, reason).Inc()
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		// Poison-message isolation: a payload that cannot parse can never
		// block the queue.
		ack()
		deadLetter(ReasonBadJSON, err.Error())
		span.SetAttributes(attribute.String("outcome", ReasonBadJSON))
		return
	}
	if env.V != PayloadVersion {
		ack()
		deadLetter(ReasonBadVersion, fmt.Sprintf("unsupported payload version %d", env.V))
		span.SetAttributes(attribute.String("outcome", ReasonBadVersion))
		return
	}

	if err := r.handler(ctx, payload); err != nil {
		span.RecordError(err)
		ack()
		deadLetter(ReasonProcessingFailed, err.Error())
		span.SetAttributes(attribute.String("outcome", ReasonProcessingFailed))
		r.log.WithError(err).WithField("entry_id", msg.ID).Warn("Entry dead-lettered")
		return
	}

	ack()
	metrics.JobsProcessed.WithLabelValues(r.cfg.Stream, "ok").Inc()
	span.SetAttributes(attribute.String("outcome", "ok"))
}

// extractPayload pulls the payload field out of a stream entry. Entries
// written by other producers may lack it; the empty result then fails
// envelope parsing and is dead-lettered as bad_json.
func extractPayload(msg redis.XMessage) string {
	if v, ok := msg.Values["payload"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
