package workers

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "golang.org/x/image/webp"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/models"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/queue"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/storage"
)

// ImageVariantWorker renders the fixed width ladder for clean images.
// Every width is encoded into two independent formats; each (width,
// format) pair becomes one variant row.
type ImageVariantWorker struct {
	store   MediaStore
	objects ObjectStore
	log     *logrus.Entry
}

// NewImageVariantWorker creates an ImageVariantWorker.
func NewImageVariantWorker(store MediaStore, objects ObjectStore) *ImageVariantWorker {
	return &ImageVariantWorker{
		store:   store,
		objects: objects,
		log:     logrus.WithField("worker", "image-variant"),
	}
}

// Handle produces all image variants for one media object.
func (w *ImageVariantWorker) Handle(ctx context.Context, payload []byte) error {
	job, err := queue.DecodeMediaJob(payload)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "image_variant.handle",
		trace.WithAttributes(attribute.String("media_id", job.MediaID)),
	)
	defer span.End()

	rec, err := fetchGated(ctx, w.store, job.MediaID)
	if err != nil {
		return err
	}
	if rec == nil {
		w.log.WithField("media_id", job.MediaID).Debug("Media not clean, skipping variants")
		span.SetAttributes(attribute.Bool("skipped", true))
		return nil
	}

	obj, err := w.objects.GetObject(ctx, job.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to fetch object: %w", err)
	}
	src, err := imaging.Decode(obj, imaging.AutoOrientation(true))
	obj.Close()
	if err != nil {
		return fmt.Errorf("failed to decode image: %w", err)
	}

	sourceWidth := src.Bounds().Dx()
	created := 0
	for _, width := range ImageWidths {
		// Never upscale past the source.
		targetWidth := width
		if targetWidth > sourceWidth {
			targetWidth = sourceWidth
		}
		resized := imaging.Resize(src, targetWidth, 0, imaging.Lanczos)

		for _, format := range ImageFormats {
			if err := w.storeVariant(ctx, rec, resized, width, format); err != nil {
				return err
			}
			created++
		}
	}

	span.SetAttributes(attribute.Int("variants_created", created))
	w.log.WithFields(logrus.Fields{
		"media_id": rec.ID,
		"variants": created,
	}).Info("Image variants produced")
	return nil
}

// storeVariant encodes, uploads and records one (width, format) pair.
// The row insert re-checks the clean gate in SQL; if the gate was lost
// meanwhile, the uploaded object is removed again.
func (w *ImageVariantWorker) storeVariant(ctx context.Context, rec *models.MediaRecord, img image.Image, ladderWidth int, format string) error {
	encoded, ext, contentType, err := encodeImage(img, format)
	if err != nil {
		return err
	}

	profile := fmt.Sprintf("%d-%s", ladderWidth, format)
	key := storage.VariantKey(rec.ID, "image", profile, ext)

	if err := w.objects.PutObject(ctx, key, contentType, encoded); err != nil {
		return fmt.Errorf("failed to upload variant %s: %w", profile, err)
	}

	bounds := img.Bounds()
	inserted, err := w.store.CreateVariantIfClean(ctx, &models.MediaVariant{
		MediaID:    rec.ID,
		Profile:    profile,
		StorageKey: key,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		w.log.WithFields(logrus.Fields{
			"media_id": rec.ID,
			"profile":  profile,
		}).Warn("Clean gate lost during variant creation, discarding output")
		if err := w.objects.DeleteObject(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// encodeImage renders an image into one of the fixed output formats.
func encodeImage(img image.Image, format string) (data []byte, ext, contentType string, err error) {
	var buf bytes.Buffer
	switch format {
	case "jpeg":
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85))
		ext, contentType = "jpg", "image/jpeg"
	case "png":
		err = imaging.Encode(&buf, img, imaging.PNG)
		ext, contentType = "png", "image/png"
	default:
		return nil, "", "", fmt.Errorf("unknown image format %q", format)
	}
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to encode %s: %w", format, err)
	}
	return buf.Bytes(), ext, contentType, nil
}
