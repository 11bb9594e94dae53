package workers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "golang.org/x/image/webp"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/models"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/queue"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/storage"
)

// partialChecksumBytes is how much of the file head feeds the partial
// checksum.
const partialChecksumBytes = 4 * 1024 * 1024

// MetadataWorker computes content-derived facts for uploaded media: a
// full-file hash, a partial head checksum, a content-sniffed MIME and
// type-specific structured metadata. A stored hash that disagrees with
// the freshly computed one forces quarantine; this integrity check is
// independent of the virus scan.
type MetadataWorker struct {
	store       MediaStore
	objects     ObjectStore
	deadLetters DeadLetterer
	ffprobePath string
	log         *logrus.Entry
}

// NewMetadataWorker creates a MetadataWorker.
func NewMetadataWorker(store MediaStore, objects ObjectStore, deadLetters DeadLetterer, ffprobePath string) *MetadataWorker {
	return &MetadataWorker{
		store:       store,
		objects:     objects,
		deadLetters: deadLetters,
		ffprobePath: ffprobePath,
		log:         logrus.WithField("worker", "metadata"),
	}
}

// Handle extracts metadata for one media object.
func (w *MetadataWorker) Handle(ctx context.Context, payload []byte) error {
	job, err := queue.DecodeMediaJob(payload)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "metadata.handle",
		trace.WithAttributes(attribute.String("media_id", job.MediaID)),
	)
	defer span.End()

	rec, err := w.store.GetMedia(ctx, job.MediaID)
	if errors.Is(err, storage.ErrNotFound) {
		w.log.WithField("media_id", job.MediaID).Debug("Record gone, skipping metadata")
		return nil
	}
	if err != nil {
		return err
	}

	obj, err := w.objects.GetObject(ctx, job.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to fetch object: %w", err)
	}
	data, err := io.ReadAll(obj)
	obj.Close()
	if err != nil {
		return fmt.Errorf("failed to read object: %w", err)
	}

	meta := extractFacts(ctx, w.ffprobePath, data)
	span.SetAttributes(
		attribute.String("sniffed_mime", meta.SniffedMime),
		attribute.Int("size_bytes", len(data)),
	)

	// Integrity check: a hash stored at upload time must match what the
	// object actually contains now.
	if rec.SHA256 != "" && rec.SHA256 != meta.SHA256 {
		w.log.WithFields(logrus.Fields{
			"media_id": rec.ID,
			"stored":   rec.SHA256,
			"computed": meta.SHA256,
		}).Error("Content hash mismatch, quarantining")
		if err := w.store.Quarantine(ctx, rec.ID, models.ScanError); err != nil {
			return err
		}
		if err := w.deadLetters.DeadLetter(ctx, queue.StreamMetadata, queue.ReasonSHAMismatch,
			fmt.Sprintf("stored %s, computed %s", rec.SHA256, meta.SHA256), payload); err != nil {
			return err
		}
		span.SetAttributes(attribute.Bool("sha_mismatch", true))
		return nil
	}

	if err := w.store.UpdateContentFacts(ctx, rec.ID, meta); err != nil {
		return err
	}

	w.log.WithFields(logrus.Fields{
		"media_id": rec.ID,
		"mime":     meta.SniffedMime,
	}).Info("Metadata recorded")
	return nil
}

// extractFacts computes hashes, sniffs the MIME by content and pulls
// type-specific metadata. Probe failures degrade to hash-only facts; the
// record still gets its integrity data.
func extractFacts(ctx context.Context, ffprobePath string, data []byte) *models.MediaMetadata {
	fullSum := sha256.Sum256(data)
	head := data
	if len(head) > partialChecksumBytes {
		head = head[:partialChecksumBytes]
	}
	partialSum := sha256.Sum256(head)

	meta := &models.MediaMetadata{
		SHA256:          hex.EncodeToString(fullSum[:]),
		PartialChecksum: hex.EncodeToString(partialSum[:]),
		SniffedMime:     mimetype.Detect(data).String(),
	}

	switch {
	case strings.HasPrefix(meta.SniffedMime, "image/"):
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			meta.Width = cfg.Width
			meta.Height = cfg.Height
		}
	case strings.HasPrefix(meta.SniffedMime, "video/"), strings.HasPrefix(meta.SniffedMime, "audio/"):
		if facts, err := probeBytes(ctx, ffprobePath, data); err == nil {
			meta.Width = facts.Width
			meta.Height = facts.Height
			meta.DurationMS = facts.DurationMS
			meta.VideoCodec = facts.VideoCodec
			meta.AudioCodec = facts.AudioCodec
		}
	}

	return meta
}

// probeBytes spills the bytes to a temp file for ffprobe, which needs a
// seekable input for container formats with trailing indexes.
func probeBytes(ctx context.Context, ffprobePath string, data []byte) (*avFacts, error) {
	tmp, err := os.CreateTemp("", "probe-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := tmp.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	return ffprobeFile(ctx, ffprobePath, tmp.Name())
}
