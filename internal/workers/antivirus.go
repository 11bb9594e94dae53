package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/models"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/queue"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/storage"
)

// AntivirusWorker drives the pending -> {clean | infected | error}
// transition and, on clean, publishes exactly one follow-up transform
// job keyed off the object's stored MIME.
type AntivirusWorker struct {
	store     MediaStore
	objects   ObjectStore
	scanner   VirusScanner
	publisher Publisher
	log       *logrus.Entry
}

// NewAntivirusWorker creates an AntivirusWorker.
func NewAntivirusWorker(store MediaStore, objects ObjectStore, scanner VirusScanner, publisher Publisher) *AntivirusWorker {
	return &AntivirusWorker{
		store:     store,
		objects:   objects,
		scanner:   scanner,
		publisher: publisher,
		log:       logrus.WithField("worker", "antivirus"),
	}
}

// Handle scans one media object.
func (w *AntivirusWorker) Handle(ctx context.Context, payload []byte) error {
	job, err := queue.DecodeMediaJob(payload)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "antivirus.handle",
		trace.WithAttributes(attribute.String("media_id", job.MediaID)),
	)
	defer span.End()

	rec, err := w.store.GetMedia(ctx, job.MediaID)
	if errors.Is(err, storage.ErrNotFound) {
		// Record already collected; nothing to scan.
		w.log.WithField("media_id", job.MediaID).Debug("Record gone, skipping scan")
		return nil
	}
	if err != nil {
		return err
	}

	obj, err := w.objects.GetObject(ctx, job.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to fetch object for scan: %w", err)
	}
	defer obj.Close()

	verdict, err := w.scanner.Scan(ctx, obj)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	quarantined := verdict.Status == models.ScanInfected
	if err := w.store.SetScanResult(ctx, rec.ID, verdict.Status, quarantined, time.Now()); err != nil {
		return err
	}

	span.SetAttributes(
		attribute.String("verdict", verdict.Status),
		attribute.Bool("quarantined", quarantined),
	)
	w.log.WithFields(logrus.Fields{
		"media_id":  rec.ID,
		"verdict":   verdict.Status,
		"signature": verdict.Signature,
	}).Info("Scan verdict recorded")

	if verdict.Status != models.ScanClean {
		return nil
	}

	return w.dispatchTransform(ctx, job)
}

// dispatchTransform re-reads the object's MIME from storage and publishes
// the single follow-up job: images to the variant stream, videos to the
// transcode stream, everything else gets no follow-up.
func (w *AntivirusWorker) dispatchTransform(ctx context.Context, job queue.MediaJob) error {
	info, err := w.objects.StatObject(ctx, job.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to stat object for dispatch: %w", err)
	}

	var stream string
	switch {
	case strings.HasPrefix(info.ContentType, "image/"):
		stream = queue.StreamImageVariant
	case strings.HasPrefix(info.ContentType, "video/"):
		stream = queue.StreamVideoTranscode
	default:
		return nil
	}

	follow := queue.NewMediaJob(job.MediaID, job.StorageKey, info.ContentType)
	if err := w.publisher.Publish(ctx, stream, follow); err != nil {
		return fmt.Errorf("failed to publish follow-up job: %w", err)
	}

	w.log.WithFields(logrus.Fields{
		"media_id": job.MediaID,
		"stream":   stream,
		"mime":     info.ContentType,
	}).Info("Follow-up job published")
	return nil
}
