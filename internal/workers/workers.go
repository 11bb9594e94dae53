// Package workers implements the media pipeline: antivirus gate,
// metadata/integrity extraction, and conditional fan-out to image and
// video transform workers.
package workers

import (
	"context"
	"errors"
	"io"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/models"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/scan"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/storage"
)

var tracer = otel.Tracer("messenger-workers")

// MediaStore is the relational surface the pipeline needs.
type MediaStore interface {
	GetMedia(ctx context.Context, mediaID string) (*models.MediaRecord, error)
	SetScanResult(ctx context.Context, mediaID, status string, quarantined bool, scannedAt time.Time) error
	Quarantine(ctx context.Context, mediaID, status string) error
	UpdateContentFacts(ctx context.Context, mediaID string, meta *models.MediaMetadata) error
	CreateVariantIfClean(ctx context.Context, v *models.MediaVariant) (bool, error)
}

// ObjectStore is the object storage surface the pipeline needs.
type ObjectStore interface {
	GetObject(ctx context.Context, objectKey string) (io.ReadCloser, error)
	PutObject(ctx context.Context, objectKey, contentType string, data []byte) error
	StatObject(ctx context.Context, objectKey string) (*storage.ObjectInfo, error)
	DeleteObject(ctx context.Context, objectKey string) error
}

// Publisher publishes follow-up jobs onto streams.
type Publisher interface {
	Publish(ctx context.Context, stream string, payload any) error
}

// DeadLetterer writes to a stream's dead-letter stream.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, stream, reason, errText string, payload []byte) error
}

// VirusScanner streams bytes through the antivirus daemon.
type VirusScanner interface {
	Scan(ctx context.Context, r io.Reader) (*scan.Verdict, error)
}

// fetchGated loads the media record and verifies it is clean and not
// quarantined. A job reaching a transform queue is not sufficient proof
// of current clean status; the gate is re-verified here. A missing or
// gated record returns (nil, nil): the job is silently skipped and the
// correct upstream event re-triggers work if warranted.
func fetchGated(ctx context.Context, store MediaStore, mediaID string) (*models.MediaRecord, error) {
	rec, err := store.GetMedia(ctx, mediaID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.AntivirusStatus != models.ScanClean || rec.Quarantined {
		return nil, nil
	}
	return rec, nil
}
