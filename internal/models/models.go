package models

import "time"

// Antivirus scan states for a MediaRecord.
const (
	ScanPending  = "pending"
	ScanClean    = "clean"
	ScanInfected = "infected"
	ScanError    = "error"
)

// Upload session states.
const (
	SessionPending   = "pending"
	SessionUploading = "uploading"
	SessionComplete  = "complete"
	SessionExpired   = "expired"
	SessionFailed    = "failed"
)

// MediaRecord represents uploaded media metadata stored in MySQL
type MediaRecord struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	StorageKey      string     `json:"storage_key"`
	Mime            string     `json:"mime"`
	Size            int64      `json:"size"`
	SHA256          string     `json:"sha256"`
	AntivirusStatus string     `json:"antivirus_status"`
	Quarantined     bool       `json:"quarantined"`
	RefCount        int        `json:"ref_count"`
	ScannedAt       *time.Time `json:"scanned_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// MediaVariant represents one derived encoding of a media object.
// The (MediaID, Profile) pair is unique.
type MediaVariant struct {
	MediaID    string    `json:"media_id"`
	Profile    string    `json:"profile"`
	StorageKey string    `json:"storage_key"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Bitrate    int       `json:"bitrate"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// UploadSession tracks a client upload from initiation to completion
type UploadSession struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	MediaID   string    `json:"media_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// MediaMetadata holds content-derived facts computed by the metadata worker
type MediaMetadata struct {
	SHA256          string `json:"sha256"`
	PartialChecksum string `json:"partial_checksum"`
	SniffedMime     string `json:"sniffed_mime"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height,omitempty"`
	DurationMS      int64  `json:"duration_ms,omitempty"`
	VideoCodec      string `json:"video_codec,omitempty"`
	AudioCodec      string `json:"audio_codec,omitempty"`
}
