// Package gc implements the reference-count and TTL driven cleanup
// engine: a periodic background scanner plus a drain of explicit delete
// jobs from the gc stream.
package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/metrics"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/models"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/queue"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/storage"
)

var tracer = otel.Tracer("messenger-gc")

// MediaStore is the relational surface the collector needs.
type MediaStore interface {
	GetMedia(ctx context.Context, mediaID string) (*models.MediaRecord, error)
	ListVariants(ctx context.Context, mediaID string) ([]*models.MediaVariant, error)
	DeleteVariant(ctx context.Context, mediaID, profile string) error
	DeleteMedia(ctx context.Context, mediaID string) error
	ListOrphans(ctx context.Context, grace time.Duration, limit int) ([]*models.MediaRecord, error)
	ListQuarantineExpired(ctx context.Context, ttl time.Duration, limit int) ([]*models.MediaRecord, error)
	ExpireSessions(ctx context.Context) (int64, error)
}

// ObjectStore is the object storage surface the collector needs. Both
// deletes treat a missing object as already deleted.
type ObjectStore interface {
	DeleteObject(ctx context.Context, objectKey string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// Config holds the collector's sweep settings.
type Config struct {
	ScanInterval  time.Duration
	GracePeriod   time.Duration
	BatchSize     int
	QuarantineTTL time.Duration

	MaxInFlight  int
	BlockTimeout time.Duration
	ReadRetryMax time.Duration
	Consumer     string
}

// Collector runs the background scanner and the gc job drain inside one
// process.
type Collector struct {
	store   MediaStore
	objects ObjectStore
	queue   *queue.Queue
	cfg     Config
	log     *logrus.Entry
}

// New creates a Collector.
func New(store MediaStore, objects ObjectStore, q *queue.Queue, cfg Config) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Minute
	}
	return &Collector{
		store:   store,
		objects: objects,
		queue:   q,
		cfg:     cfg,
		log:     logrus.WithField("component", "gc"),
	}
}

// Run executes both loops and returns when the first of them exits.
// Whichever loop terminates first ends the process; supervision is
// coarse rather than per-loop.
func (c *Collector) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() { errCh <- c.runScanner(ctx) }()
	go func() { errCh <- c.runJobs(ctx) }()

	return <-errCh
}

// runScanner runs the periodic sweeps until the context is canceled.
func (c *Collector) runScanner(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.ScanInterval)
	defer ticker.Stop()

	c.log.WithField("interval", c.cfg.ScanInterval).Info("Background scanner started")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("Background scanner stopped")
			return ctx.Err()
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep runs one scanner pass. Individual sweep failures are logged and
// do not stop the loop; the next tick retries.
func (c *Collector) sweep(ctx context.Context) {
	ctx, span := tracer.Start(ctx, "gc.sweep")
	defer span.End()

	if err := c.sweepOrphans(ctx); err != nil {
		span.RecordError(err)
		c.log.WithError(err).Error("Orphan sweep failed")
	}
	if err := c.sweepQuarantine(ctx); err != nil {
		span.RecordError(err)
		c.log.WithError(err).Error("Quarantine sweep failed")
	}
	if expired, err := c.store.ExpireSessions(ctx); err != nil {
		span.RecordError(err)
		c.log.WithError(err).Error("Session expiry failed")
	} else if expired > 0 {
		metrics.GCDeleted.WithLabelValues("session").Add(float64(expired))
		c.log.WithField("count", expired).Info("Upload sessions expired")
	}
}

// sweepOrphans deletes media with zero references, a settled scan
// verdict and age past the grace period, oldest first.
func (c *Collector) sweepOrphans(ctx context.Context) error {
	orphans, err := c.store.ListOrphans(ctx, c.cfg.GracePeriod, c.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, rec := range orphans {
		if err := c.deleteMedia(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// sweepQuarantine deletes quarantined media whose scan timestamp is
// older than the quarantine TTL.
func (c *Collector) sweepQuarantine(ctx context.Context) error {
	expired, err := c.store.ListQuarantineExpired(ctx, c.cfg.QuarantineTTL, c.cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, rec := range expired {
		c.log.WithField("media_id", rec.ID).Info("Quarantine TTL elapsed, deleting")
		if err := c.deleteMedia(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// runJobs drains the gc stream through the queue runtime.
func (c *Collector) runJobs(ctx context.Context) error {
	runner := queue.NewRunner(c.queue, queue.RunnerConfig{
		Stream:       queue.StreamGC,
		Group:        "gc",
		Consumer:     c.cfg.Consumer,
		MaxInFlight:  c.cfg.MaxInFlight,
		BlockTimeout: c.cfg.BlockTimeout,
		ReadRetryMax: c.cfg.ReadRetryMax,
	}, c.handleJob)
	return runner.Run(ctx)
}

// handleJob executes one explicit gc job.
func (c *Collector) handleJob(ctx context.Context, payload []byte) error {
	job, err := queue.DecodeGCJob(payload)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "gc.handle_job",
		trace.WithAttributes(attribute.String("action", job.Action)),
	)
	defer span.End()

	switch job.Action {
	case queue.GCDeleteMedia:
		rec, err := c.store.GetMedia(ctx, job.MediaID)
		if errors.Is(err, storage.ErrNotFound) {
			// Already collected.
			return nil
		}
		if err != nil {
			return err
		}
		return c.deleteMedia(ctx, rec)

	case queue.GCDeleteVariant:
		return c.deleteVariant(ctx, job.MediaID, job.Profile)

	case queue.GCCleanupUploads:
		expired, err := c.store.ExpireSessions(ctx)
		if err != nil {
			return err
		}
		metrics.GCDeleted.WithLabelValues("session").Add(float64(expired))
		return nil

	default:
		return fmt.Errorf("unknown gc action %q", job.Action)
	}
}

// deleteMedia removes everything belonging to one media record, in
// order: variant objects (batched), the original object, then the row,
// which cascades the variant rows.
func (c *Collector) deleteMedia(ctx context.Context, rec *models.MediaRecord) error {
	ctx, span := tracer.Start(ctx, "gc.delete_media",
		trace.WithAttributes(attribute.String("media_id", rec.ID)),
	)
	defer span.End()

	if err := c.objects.DeleteByPrefix(ctx, storage.VariantPrefix(rec.ID)); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete variant objects: %w", err)
	}
	if err := c.objects.DeleteObject(ctx, rec.StorageKey); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete original object: %w", err)
	}
	if err := c.store.DeleteMedia(ctx, rec.ID); err != nil {
		span.RecordError(err)
		return err
	}

	metrics.GCDeleted.WithLabelValues("media").Inc()
	c.log.WithField("media_id", rec.ID).Info("Media deleted")
	return nil
}

// deleteVariant removes one variant's object and row. A variant that no
// longer exists is treated as already deleted.
func (c *Collector) deleteVariant(ctx context.Context, mediaID, profile string) error {
	ctx, span := tracer.Start(ctx, "gc.delete_variant",
		trace.WithAttributes(
			attribute.String("media_id", mediaID),
			attribute.String("profile", profile),
		),
	)
	defer span.End()

	variants, err := c.store.ListVariants(ctx, mediaID)
	if err != nil {
		return err
	}
	for _, v := range variants {
		if v.Profile != profile {
			continue
		}
		if err := c.objects.DeleteObject(ctx, v.StorageKey); err != nil {
			span.RecordError(err)
			return err
		}
	}
	if err := c.store.DeleteVariant(ctx, mediaID, profile); err != nil {
		span.RecordError(err)
		return err
	}

	metrics.GCDeleted.WithLabelValues("variant").Inc()
	return nil
}
