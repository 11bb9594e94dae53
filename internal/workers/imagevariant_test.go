package workers

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/models"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/storage"
)

func TestImageVariantLadder(t *testing.T) {
	key := storage.OriginalKey("media-1")
	store := newMockStore(&models.MediaRecord{ID: "media-1", StorageKey: key, AntivirusStatus: models.ScanClean})
	objects := newMockObjects()
	objects.put(key, "image/png", pngBytes(t, 2000, 1000))

	w := NewImageVariantWorker(store, objects)
	require.NoError(t, w.Handle(context.Background(), mediaJobPayload(t, "media-1", key, "image/png")))

	// Three widths times two formats.
	require.Len(t, store.variants, 6)

	byProfile := make(map[string]*models.MediaVariant)
	for _, v := range store.variants {
		byProfile[v.Profile] = v
	}

	for _, width := range ImageWidths {
		for _, format := range ImageFormats {
			v, ok := byProfile[fmt.Sprintf("%d-%s", width, format)]
			require.True(t, ok, "missing variant %d-%s", width, format)
			assert.Equal(t, width, v.Width)
			// Aspect ratio 2:1 preserved.
			assert.Equal(t, width/2, v.Height)
			assert.Contains(t, v.StorageKey, "variants/media-1/image/")

			_, err := objects.StatObject(context.Background(), v.StorageKey)
			assert.NoError(t, err)
		}
	}
}

func TestImageVariantNoUpscale(t *testing.T) {
	key := storage.OriginalKey("media-2")
	store := newMockStore(&models.MediaRecord{ID: "media-2", StorageKey: key, AntivirusStatus: models.ScanClean})
	objects := newMockObjects()
	objects.put(key, "image/png", pngBytes(t, 500, 500))

	w := NewImageVariantWorker(store, objects)
	require.NoError(t, w.Handle(context.Background(), mediaJobPayload(t, "media-2", key, "image/png")))

	require.Len(t, store.variants, 6)
	for _, v := range store.variants {
		assert.LessOrEqual(t, v.Width, 500, "profile %s exceeds source width", v.Profile)
	}
}

func TestImageVariantSkipsGatedMedia(t *testing.T) {
	key := storage.OriginalKey("media-3")
	store := newMockStore(&models.MediaRecord{ID: "media-3", StorageKey: key, AntivirusStatus: models.ScanPending})
	objects := newMockObjects()
	objects.put(key, "image/png", pngBytes(t, 100, 100))

	w := NewImageVariantWorker(store, objects)
	require.NoError(t, w.Handle(context.Background(), mediaJobPayload(t, "media-3", key, "image/png")))

	assert.Empty(t, store.variants)
	// The original is untouched and no variant objects were written.
	assert.Len(t, objects.objects, 1)
}

func TestImageVariantDiscardsOutputWhenGateLost(t *testing.T) {
	key := storage.OriginalKey("media-4")
	store := newMockStore(&models.MediaRecord{ID: "media-4", StorageKey: key, AntivirusStatus: models.ScanClean})
	store.refuseVariants = true
	objects := newMockObjects()
	objects.put(key, "image/png", pngBytes(t, 100, 100))

	w := NewImageVariantWorker(store, objects)
	require.NoError(t, w.Handle(context.Background(), mediaJobPayload(t, "media-4", key, "image/png")))

	assert.Empty(t, store.variants)
	// Every uploaded object was deleted again.
	assert.Len(t, objects.deleted, 6)
	assert.Len(t, objects.objects, 1)
}

func TestImageVariantUndecodableImageFails(t *testing.T) {
	key := storage.OriginalKey("media-5")
	store := newMockStore(&models.MediaRecord{ID: "media-5", StorageKey: key, AntivirusStatus: models.ScanClean})
	objects := newMockObjects()
	objects.put(key, "image/png", []byte("not an image"))

	w := NewImageVariantWorker(store, objects)
	err := w.Handle(context.Background(), mediaJobPayload(t, "media-5", key, "image/png"))
	assert.Error(t, err)
}
