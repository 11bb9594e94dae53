package workers

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/models"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/queue"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/storage"
)

const hlsSegmentSeconds = 6

// TranscodeWorker encodes clean videos into the rendition ladder: one
// segmented HLS encode and playlist per selected profile, plus a master
// playlist referencing them by bandwidth and resolution.
type TranscodeWorker struct {
	store         MediaStore
	objects       ObjectStore
	ffmpegPath    string
	ffprobePath   string
	workDir       string
	maxRenditions int
	log           *logrus.Entry
}

// NewTranscodeWorker creates a TranscodeWorker.
func NewTranscodeWorker(store MediaStore, objects ObjectStore, ffmpegPath, ffprobePath, workDir string, maxRenditions int) *TranscodeWorker {
	return &TranscodeWorker{
		store:         store,
		objects:       objects,
		ffmpegPath:    ffmpegPath,
		ffprobePath:   ffprobePath,
		workDir:       workDir,
		maxRenditions: maxRenditions,
		log:           logrus.WithField("worker", "video-transcode"),
	}
}

// Handle transcodes one media object into its selected renditions.
func (w *TranscodeWorker) Handle(ctx context.Context, payload []byte) error {
	job, err := queue.DecodeMediaJob(payload)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "transcode.handle",
		trace.WithAttributes(attribute.String("media_id", job.MediaID)),
	)
	defer span.End()

	rec, err := fetchGated(ctx, w.store, job.MediaID)
	if err != nil {
		return err
	}
	if rec == nil {
		w.log.WithField("media_id", job.MediaID).Debug("Media not clean, skipping transcode")
		span.SetAttributes(attribute.Bool("skipped", true))
		return nil
	}

	tmpDir, err := os.MkdirTemp(w.workDir, "transcode-"+rec.ID+"-*")
	if err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	srcPath, err := w.downloadSource(ctx, job.StorageKey, tmpDir)
	if err != nil {
		return err
	}

	facts, err := ffprobeFile(ctx, w.ffprobePath, srcPath)
	if err != nil {
		return fmt.Errorf("failed to probe source: %w", err)
	}
	if facts.Height == 0 {
		return fmt.Errorf("source has no video stream")
	}

	renditions := SelectRenditions(facts.Height, w.maxRenditions)
	if len(renditions) == 0 {
		w.log.WithFields(logrus.Fields{
			"media_id": rec.ID,
			"height":   facts.Height,
		}).Warn("No ladder profile fits the source, skipping")
		return nil
	}

	span.SetAttributes(
		attribute.Int("source_height", facts.Height),
		attribute.Int("renditions", len(renditions)),
	)

	for _, profile := range renditions {
		if err := w.encodeRendition(ctx, rec, srcPath, tmpDir, profile, facts.DurationMS); err != nil {
			return err
		}
	}

	master := BuildMasterPlaylist(renditions)
	masterKey := storage.VariantKey(rec.ID, "video", "master", "m3u8")
	if err := w.objects.PutObject(ctx, masterKey, "application/vnd.apple.mpegurl", []byte(master)); err != nil {
		return fmt.Errorf("failed to upload master playlist: %w", err)
	}

	w.log.WithFields(logrus.Fields{
		"media_id":   rec.ID,
		"renditions": len(renditions),
	}).Info("Transcode complete")
	return nil
}

func (w *TranscodeWorker) downloadSource(ctx context.Context, storageKey, tmpDir string) (string, error) {
	obj, err := w.objects.GetObject(ctx, storageKey)
	if err != nil {
		return "", fmt.Errorf("failed to fetch object: %w", err)
	}
	defer obj.Close()

	srcPath := filepath.Join(tmpDir, "source")
	f, err := os.Create(srcPath)
	if err != nil {
		return "", fmt.Errorf("failed to create source file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, obj); err != nil {
		return "", fmt.Errorf("failed to download source: %w", err)
	}
	return srcPath, nil
}

// encodeRendition runs one segmented ffmpeg encode, uploads the segments
// and per-profile playlist, and records the variant row behind the SQL
// clean gate.
func (w *TranscodeWorker) encodeRendition(ctx context.Context, rec *models.MediaRecord, srcPath, tmpDir string, profile RenditionProfile, durationMS int64) error {
	outDir := filepath.Join(tmpDir, profile.Name)
	if err := os.Mkdir(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create rendition dir: %w", err)
	}

	playlistPath := filepath.Join(outDir, profile.Name+".m3u8")
	cmd := exec.CommandContext(ctx, w.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-i", srcPath,
		"-vf", fmt.Sprintf("scale=-2:%d", profile.Height),
		"-c:v", profile.Codec,
		"-b:v", fmt.Sprintf("%dk", profile.VideoBitrate),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", profile.AudioBitrate),
		"-hls_time", fmt.Sprintf("%d", hlsSegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outDir, profile.Name+"-%03d.ts"),
		playlistPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ffmpeg failed for %s: %w: %s", profile.Name, err, strings.TrimSpace(string(out)))
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return fmt.Errorf("failed to list rendition output: %w", err)
	}
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read rendition file: %w", err)
		}
		contentType := "video/mp2t"
		ext := "ts"
		name := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		if strings.HasSuffix(entry.Name(), ".m3u8") {
			contentType = "application/vnd.apple.mpegurl"
			ext = "m3u8"
		}
		key := storage.VariantKey(rec.ID, "video", name, ext)
		if err := w.objects.PutObject(ctx, key, contentType, data); err != nil {
			return fmt.Errorf("failed to upload %s: %w", key, err)
		}
	}

	inserted, err := w.store.CreateVariantIfClean(ctx, &models.MediaVariant{
		MediaID:    rec.ID,
		Profile:    profile.Name,
		StorageKey: storage.VariantKey(rec.ID, "video", profile.Name, "m3u8"),
		Width:      profile.Width,
		Height:     profile.Height,
		Bitrate:    profile.VideoBitrate,
		DurationMS: durationMS,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return err
	}
	if !inserted {
		w.log.WithFields(logrus.Fields{
			"media_id": rec.ID,
			"profile":  profile.Name,
		}).Warn("Clean gate lost during transcode, discarding rendition")
		return w.objects.DeleteObject(ctx, storage.VariantKey(rec.ID, "video", profile.Name, "m3u8"))
	}
	return nil
}

// BuildMasterPlaylist renders the HLS master playlist referencing each
// selected rendition by bandwidth and resolution.
func BuildMasterPlaylist(renditions []RenditionProfile) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, p := range renditions {
		bandwidth := (p.VideoBitrate + p.AudioBitrate) * 1000
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", bandwidth, p.Width, p.Height)
		fmt.Fprintf(&b, "%s.m3u8\n", p.Name)
	}
	return b.String()
}
