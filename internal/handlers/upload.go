// Package handlers holds the API-boundary endpoints owned by this
// module. The wider CRUD REST surface lives in the API layer; only the
// upload-completion path is here because it feeds the media pipeline.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/models"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/queue"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/storage"
)

var tracer = otel.Tracer("messenger-handlers")

// MediaStore is the relational surface the upload path needs.
type MediaStore interface {
	CreateMedia(ctx context.Context, m *models.MediaRecord) error
	CompleteSession(ctx context.Context, sessionID string) error
}

// ObjectStore is the object storage surface the upload path needs.
type ObjectStore interface {
	StatObject(ctx context.Context, objectKey string) (*storage.ObjectInfo, error)
}

// Publisher publishes pipeline jobs.
type Publisher interface {
	Publish(ctx context.Context, stream string, payload any) error
}

// UploadCompleteHandler finalizes an upload session: it creates the
// pending media record and publishes exactly one antivirus job and one
// metadata job for it.
type UploadCompleteHandler struct {
	store     MediaStore
	objects   ObjectStore
	publisher Publisher
	log       *logrus.Entry
}

// NewUploadCompleteHandler creates an UploadCompleteHandler.
func NewUploadCompleteHandler(store MediaStore, objects ObjectStore, publisher Publisher) *UploadCompleteHandler {
	return &UploadCompleteHandler{
		store:     store,
		objects:   objects,
		publisher: publisher,
		log:       logrus.WithField("handler", "upload_complete"),
	}
}

type uploadCompleteRequest struct {
	MediaID string `json:"media_id"`
	Mime    string `json:"mime"`
	SHA256  string `json:"sha256,omitempty"`
}

type uploadCompleteResponse struct {
	MediaID         string `json:"media_id"`
	StorageKey      string `json:"storage_key"`
	AntivirusStatus string `json:"antivirus_status"`
}

// ServeHTTP handles POST /uploads/{session_id}/complete
func (h *UploadCompleteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := tracer.Start(ctx, "upload_complete",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	sessionID := mux.Vars(r)["session_id"]
	span.SetAttributes(attribute.String("session_id", sessionID))

	var req uploadCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MediaID == "" || req.Mime == "" {
		http.Error(w, "media_id and mime are required", http.StatusBadRequest)
		return
	}

	span.SetAttributes(attribute.String("media_id", req.MediaID))

	if err := h.store.CompleteSession(ctx, sessionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "upload session not found or not completable", http.StatusConflict)
			return
		}
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to complete session: %v", err), http.StatusInternalServerError)
		return
	}

	// The client uploaded directly to the original key; verify the
	// object actually landed before admitting it to the pipeline.
	storageKey := storage.OriginalKey(req.MediaID)
	info, err := h.objects.StatObject(ctx, storageKey)
	if err != nil {
		span.RecordError(err)
		http.Error(w, "uploaded object not found", http.StatusConflict)
		return
	}

	record := &models.MediaRecord{
		ID:              req.MediaID,
		OwnerID:         r.Header.Get("X-Actor-Id"),
		StorageKey:      storageKey,
		Mime:            req.Mime,
		Size:            info.Size,
		SHA256:          req.SHA256,
		AntivirusStatus: models.ScanPending,
		CreatedAt:       time.Now(),
	}
	if err := h.store.CreateMedia(ctx, record); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to create media record: %v", err), http.StatusInternalServerError)
		return
	}

	// Producer contract: exactly one antivirus job and one metadata job
	// per completed upload. The two paths run concurrently and
	// independently off this event.
	job := queue.NewMediaJob(req.MediaID, storageKey, req.Mime)
	if err := h.publisher.Publish(ctx, queue.StreamAntivirus, job); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to publish antivirus job: %v", err), http.StatusInternalServerError)
		return
	}
	if err := h.publisher.Publish(ctx, queue.StreamMetadata, job); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("failed to publish metadata job: %v", err), http.StatusInternalServerError)
		return
	}

	h.log.WithFields(logrus.Fields{
		"media_id":   req.MediaID,
		"session_id": sessionID,
		"mime":       req.Mime,
	}).Info("Upload completed, pipeline jobs published")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(uploadCompleteResponse{
		MediaID:         req.MediaID,
		StorageKey:      storageKey,
		AntivirusStatus: models.ScanPending,
	})
}
