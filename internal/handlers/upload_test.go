package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/models"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/queue"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/storage"
)

type fakeStore struct {
	created  []*models.MediaRecord
	sessions map[string]bool
}

func (s *fakeStore) CreateMedia(_ context.Context, m *models.MediaRecord) error {
	s.created = append(s.created, m)
	return nil
}

func (s *fakeStore) CompleteSession(_ context.Context, sessionID string) error {
	if !s.sessions[sessionID] {
		return storage.ErrNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

type fakeObjects struct {
	sizes map[string]int64
}

func (o *fakeObjects) StatObject(_ context.Context, objectKey string) (*storage.ObjectInfo, error) {
	size, ok := o.sizes[objectKey]
	if !ok {
		return nil, fmt.Errorf("object %s does not exist", objectKey)
	}
	return &storage.ObjectInfo{Key: objectKey, Size: size}, nil
}

type fakePublisher struct {
	published map[string][]queue.MediaJob
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, stream string, payload any) error {
	if p.err != nil {
		return p.err
	}
	if p.published == nil {
		p.published = make(map[string][]queue.MediaJob)
	}
	p.published[stream] = append(p.published[stream], payload.(queue.MediaJob))
	return nil
}

func newTestRouter(store *fakeStore, objects *fakeObjects, publisher *fakePublisher) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/uploads/{session_id}/complete",
		NewUploadCompleteHandler(store, objects, publisher)).Methods("POST")
	return router
}

func completeRequest(sessionID, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/uploads/"+sessionID+"/complete", strings.NewReader(body))
	req.Header.Set("X-Actor-Id", "user-1")
	return req
}

func TestUploadCompletePublishesBothPipelineJobs(t *testing.T) {
	store := &fakeStore{sessions: map[string]bool{"sess-1": true}}
	key := storage.OriginalKey("media-1")
	objects := &fakeObjects{sizes: map[string]int64{key: 12345}}
	publisher := &fakePublisher{}
	router := newTestRouter(store, objects, publisher)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, completeRequest("sess-1", `{"media_id":"media-1","mime":"image/png"}`))

	require.Equal(t, http.StatusCreated, w.Code)

	require.Len(t, store.created, 1)
	rec := store.created[0]
	assert.Equal(t, "media-1", rec.ID)
	assert.Equal(t, "user-1", rec.OwnerID)
	assert.Equal(t, key, rec.StorageKey)
	assert.Equal(t, int64(12345), rec.Size)
	assert.Equal(t, models.ScanPending, rec.AntivirusStatus)

	// Exactly one job per pipeline path.
	require.Len(t, publisher.published[queue.StreamAntivirus], 1)
	require.Len(t, publisher.published[queue.StreamMetadata], 1)
	assert.Equal(t, publisher.published[queue.StreamAntivirus][0], publisher.published[queue.StreamMetadata][0])

	job := publisher.published[queue.StreamAntivirus][0]
	assert.Equal(t, "media-1", job.MediaID)
	assert.Equal(t, key, job.StorageKey)
	assert.Equal(t, "image/png", job.Mime)

	var resp struct {
		MediaID         string `json:"media_id"`
		AntivirusStatus string `json:"antivirus_status"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "media-1", resp.MediaID)
	assert.Equal(t, models.ScanPending, resp.AntivirusStatus)
}

func TestUploadCompleteUnknownSession(t *testing.T) {
	store := &fakeStore{sessions: map[string]bool{}}
	objects := &fakeObjects{sizes: map[string]int64{}}
	publisher := &fakePublisher{}
	router := newTestRouter(store, objects, publisher)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, completeRequest("sess-x", `{"media_id":"media-1","mime":"image/png"}`))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, store.created)
	assert.Empty(t, publisher.published)
}

func TestUploadCompleteObjectNeverUploaded(t *testing.T) {
	store := &fakeStore{sessions: map[string]bool{"sess-1": true}}
	objects := &fakeObjects{sizes: map[string]int64{}}
	publisher := &fakePublisher{}
	router := newTestRouter(store, objects, publisher)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, completeRequest("sess-1", `{"media_id":"media-1","mime":"image/png"}`))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, store.created)
	assert.Empty(t, publisher.published)
}

func TestUploadCompleteValidation(t *testing.T) {
	store := &fakeStore{sessions: map[string]bool{"sess-1": true}}
	objects := &fakeObjects{sizes: map[string]int64{}}
	publisher := &fakePublisher{}
	router := newTestRouter(store, objects, publisher)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `{{{`},
		{name: "missing media id", body: `{"mime":"image/png"}`},
		{name: "missing mime", body: `{"media_id":"media-1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, completeRequest("sess-1", tt.body))
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}
