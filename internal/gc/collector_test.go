package gc

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/models"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/queue"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/storage"
)

// gcStore is an in-memory MediaStore tracking call order.
type gcStore struct {
	mu       sync.Mutex
	records  map[string]*models.MediaRecord
	variants map[string][]*models.MediaVariant
	orphans  []*models.MediaRecord
	expired  []*models.MediaRecord
	sessions int64
	calls    []string
}

func newGCStore() *gcStore {
	return &gcStore{
		records:  make(map[string]*models.MediaRecord),
		variants: make(map[string][]*models.MediaVariant),
	}
}

func (s *gcStore) GetMedia(_ context.Context, mediaID string) (*models.MediaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[mediaID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec, nil
}

func (s *gcStore) ListVariants(_ context.Context, mediaID string) ([]*models.MediaVariant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.variants[mediaID], nil
}

func (s *gcStore) DeleteVariant(_ context.Context, mediaID, profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "row:variant:"+mediaID+":"+profile)
	kept := s.variants[mediaID][:0]
	for _, v := range s.variants[mediaID] {
		if v.Profile != profile {
			kept = append(kept, v)
		}
	}
	s.variants[mediaID] = kept
	return nil
}

func (s *gcStore) DeleteMedia(_ context.Context, mediaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "row:media:"+mediaID)
	delete(s.records, mediaID)
	delete(s.variants, mediaID)
	return nil
}

func (s *gcStore) ListOrphans(_ context.Context, _ time.Duration, _ int) ([]*models.MediaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orphans, nil
}

func (s *gcStore) ListQuarantineExpired(_ context.Context, _ time.Duration, _ int) ([]*models.MediaRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired, nil
}

func (s *gcStore) ExpireSessions(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "sessions")
	return s.sessions, nil
}

// gcObjects records object deletions in order.
type gcObjects struct {
	mu    sync.Mutex
	calls []string
}

func (o *gcObjects) DeleteObject(_ context.Context, objectKey string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, "object:"+objectKey)
	return nil
}

func (o *gcObjects) DeleteByPrefix(_ context.Context, prefix string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, "prefix:"+prefix)
	return nil
}

func gcJobPayload(t *testing.T, action, mediaID, profile string) []byte {
	t.Helper()
	data, err := json.Marshal(queue.NewGCJob(action, mediaID, profile))
	require.NoError(t, err)
	return data
}

func TestHandleJobDeleteMediaOrder(t *testing.T) {
	store := newGCStore()
	store.records["media-1"] = &models.MediaRecord{ID: "media-1", StorageKey: storage.OriginalKey("media-1")}
	objects := &gcObjects{}
	c := New(store, objects, nil, Config{})

	require.NoError(t, c.handleJob(context.Background(), gcJobPayload(t, queue.GCDeleteMedia, "media-1", "")))

	// Variant objects first, then the original, then the row. If the
	// process dies mid-way the survivors are re-found as orphans.
	assert.Equal(t, []string{
		"prefix:" + storage.VariantPrefix("media-1"),
		"object:" + storage.OriginalKey("media-1"),
	}, objects.calls)
	assert.Equal(t, []string{"row:media:media-1"}, store.calls)
	assert.NotContains(t, store.records, "media-1")
}

func TestHandleJobDeleteMediaAlreadyGone(t *testing.T) {
	store := newGCStore()
	objects := &gcObjects{}
	c := New(store, objects, nil, Config{})

	require.NoError(t, c.handleJob(context.Background(), gcJobPayload(t, queue.GCDeleteMedia, "missing", "")))
	assert.Empty(t, objects.calls)
	assert.Empty(t, store.calls)
}

func TestHandleJobDeleteVariant(t *testing.T) {
	store := newGCStore()
	variantKey := storage.VariantKey("media-1", "image", "256-jpeg", "jpg")
	store.variants["media-1"] = []*models.MediaVariant{
		{MediaID: "media-1", Profile: "256-jpeg", StorageKey: variantKey},
		{MediaID: "media-1", Profile: "720-jpeg", StorageKey: storage.VariantKey("media-1", "image", "720-jpeg", "jpg")},
	}
	objects := &gcObjects{}
	c := New(store, objects, nil, Config{})

	require.NoError(t, c.handleJob(context.Background(), gcJobPayload(t, queue.GCDeleteVariant, "media-1", "256-jpeg")))

	assert.Equal(t, []string{"object:" + variantKey}, objects.calls)
	assert.Equal(t, []string{"row:variant:media-1:256-jpeg"}, store.calls)
	require.Len(t, store.variants["media-1"], 1)
	assert.Equal(t, "720-jpeg", store.variants["media-1"][0].Profile)
}

func TestHandleJobCleanupUploads(t *testing.T) {
	store := newGCStore()
	store.sessions = 3
	c := New(store, &gcObjects{}, nil, Config{})

	require.NoError(t, c.handleJob(context.Background(), gcJobPayload(t, queue.GCCleanupUploads, "", "")))
	assert.Equal(t, []string{"sessions"}, store.calls)
}

func TestHandleJobUnknownAction(t *testing.T) {
	c := New(newGCStore(), &gcObjects{}, nil, Config{})
	err := c.handleJob(context.Background(), []byte(`{"v":1,"action":"shred"}`))
	assert.Error(t, err)
}

func TestSweepDeletesOrphansAndExpiredQuarantine(t *testing.T) {
	store := newGCStore()
	orphan := &models.MediaRecord{ID: "orphan-1", StorageKey: storage.OriginalKey("orphan-1")}
	expired := &models.MediaRecord{ID: "quarantined-1", StorageKey: storage.OriginalKey("quarantined-1"), Quarantined: true}
	store.records[orphan.ID] = orphan
	store.records[expired.ID] = expired
	store.orphans = []*models.MediaRecord{orphan}
	store.expired = []*models.MediaRecord{expired}
	store.sessions = 2
	objects := &gcObjects{}

	c := New(store, objects, nil, Config{GracePeriod: time.Hour, QuarantineTTL: 24 * time.Hour})
	c.sweep(context.Background())

	assert.NotContains(t, store.records, "orphan-1")
	assert.NotContains(t, store.records, "quarantined-1")
	assert.Contains(t, store.calls, "sessions")

	var prefixes int
	for _, call := range objects.calls {
		if strings.HasPrefix(call, "prefix:") {
			prefixes++
		}
	}
	assert.Equal(t, 2, prefixes)
}
