package queue

import (
	"encoding/json"
	"fmt"
)

// Stream names. Each has a paired dead-letter stream named <stream>-dlq.
const (
	StreamAntivirus      = "antivirus-intake"
	StreamMetadata       = "metadata-intake"
	StreamImageVariant   = "image-variant-intake"
	StreamVideoTranscode = "video-transcode-intake"
	StreamGC             = "gc-intake"

	dlqSuffix = "-dlq"
)

// Dead-letter reasons.
const (
	ReasonBadJSON          = "bad_json"
	ReasonBadVersion       = "bad_version"
	ReasonProcessingFailed = "processing_failed"
	ReasonSHAMismatch      = "sha_mismatch"
)

// PayloadVersion is the only schema version currently accepted. Entries
// carrying any other version are dead-lettered, not best-effort parsed.
const PayloadVersion = 1

// envelope is the version tag every payload carries.
type envelope struct {
	V int `json:"v"`
}

// MediaJob is the payload for the antivirus, metadata, image-variant and
// video-transcode streams.
type MediaJob struct {
	V          int    `json:"v"`
	MediaID    string `json:"mediaId"`
	StorageKey string `json:"storageKey"`
	Mime       string `json:"mime"`
}

// GC job actions.
const (
	GCDeleteMedia    = "delete_media"
	GCDeleteVariant  = "delete_variant"
	GCCleanupUploads = "cleanup_uploads"
)

// GCJob is the payload for the gc stream.
type GCJob struct {
	V       int    `json:"v"`
	Action  string `json:"action"`
	MediaID string `json:"mediaId,omitempty"`
	Profile string `json:"profile,omitempty"`
}

// NewMediaJob builds a versioned media job payload.
func NewMediaJob(mediaID, storageKey, mime string) MediaJob {
	return MediaJob{V: PayloadVersion, MediaID: mediaID, StorageKey: storageKey, Mime: mime}
}

// NewGCJob builds a versioned gc job payload.
func NewGCJob(action, mediaID, profile string) GCJob {
	return GCJob{V: PayloadVersion, Action: action, MediaID: mediaID, Profile: profile}
}

// DecodeMediaJob parses a media job payload, validating required fields.
func DecodeMediaJob(data []byte) (MediaJob, error) {
	var job MediaJob
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("failed to decode media job: %w", err)
	}
	if job.MediaID == "" || job.StorageKey == "" {
		return job, fmt.Errorf("media job missing mediaId or storageKey")
	}
	return job, nil
}

// DecodeGCJob parses a gc job payload, validating the action.
func DecodeGCJob(data []byte) (GCJob, error) {
	var job GCJob
	if err := json.Unmarshal(data, &job); err != nil {
		return job, fmt.Errorf("failed to decode gc job: %w", err)
	}
	switch job.Action {
	case GCDeleteMedia, GCDeleteVariant, GCCleanupUploads:
	default:
		return job, fmt.Errorf("unknown gc action %q", job.Action)
	}
	return job, nil
}

// DLQStream returns the dead-letter stream paired with a stream.
func DLQStream(stream string) string {
	return stream + dlqSuffix
}
