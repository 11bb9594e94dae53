package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// MySQLClient wraps media metadata operations with tracing
type MySQLClient struct {
	db *sql.DB
}

// NewMySQLClient initializes a new MySQL client
func NewMySQLClient(dsn string) (*MySQLClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &MySQLClient{db: db}, nil
}

// Close closes the database connection
func (mc *MySQLClient) Close() error {
	return mc.db.Close()
}

// CreateMedia inserts a media record with tracing
func (mc *MySQLClient) CreateMedia(ctx context.Context, m *models.MediaRecord) error {
	ctx, span := tracer.Start(ctx, "mysql.create_media",
		trace.WithAttributes(
			attribute.String("media_id", m.ID),
			attribute.String("mime", m.Mime),
		),
	)
	defer span.End()

	query := `INSERT INTO media (id, owner_id, storage_key, mime, size, sha256, antivirus_status, quarantined, ref_count, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := mc.db.ExecContext(ctx, query,
		m.ID, m.OwnerID, m.StorageKey, m.Mime, m.Size, m.SHA256,
		m.AntivirusStatus, m.Quarantined, m.RefCount, m.CreatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert media: %w", err)
	}

	return nil
}

// GetMedia retrieves a media record by ID with tracing
func (mc *MySQLClient) GetMedia(ctx context.Context, mediaID string) (*models.MediaRecord, error) {
	ctx, span := tracer.Start(ctx, "mysql.get_media",
		trace.WithAttributes(attribute.String("media_id", mediaID)),
	)
	defer span.End()

	query := `SELECT id, owner_id, storage_key, mime, size, sha256, antivirus_status, quarantined, ref_count, scanned_at, created_at
			  FROM media WHERE id = ?`

	var m models.MediaRecord
	var scannedAt sql.NullTime
	err := mc.db.QueryRowContext(ctx, query, mediaID).Scan(
		&m.ID, &m.OwnerID, &m.StorageKey, &m.Mime, &m.Size, &m.SHA256,
		&m.AntivirusStatus, &m.Quarantined, &m.RefCount, &scannedAt, &m.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query media: %w", err)
	}

	if scannedAt.Valid {
		m.ScannedAt = &scannedAt.Time
	}
	return &m, nil
}

// SetScanResult records the antivirus verdict for a media record with
// tracing. Infected and errored media are quarantined in the same write.
func (mc *MySQLClient) SetScanResult(ctx context.Context, mediaID, status string, quarantined bool, scannedAt time.Time) error {
	ctx, span := tracer.Start(ctx, "mysql.set_scan_result",
		trace.WithAttributes(
			attribute.String("media_id", mediaID),
			attribute.String("status", status),
			attribute.Bool("quarantined", quarantined),
		),
	)
	defer span.End()

	query := `UPDATE media SET antivirus_status = ?, quarantined = ?, scanned_at = ? WHERE id = ?`

	_, err := mc.db.ExecContext(ctx, query, status, quarantined, scannedAt, mediaID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to set scan result: %w", err)
	}

	return nil
}

// Quarantine forces a media record into quarantine with the given
// antivirus status, with tracing.
func (mc *MySQLClient) Quarantine(ctx context.Context, mediaID, status string) error {
	ctx, span := tracer.Start(ctx, "mysql.quarantine",
		trace.WithAttributes(
			attribute.String("media_id", mediaID),
			attribute.String("status", status),
		),
	)
	defer span.End()

	query := `UPDATE media SET quarantined = TRUE, antivirus_status = ? WHERE id = ?`

	_, err := mc.db.ExecContext(ctx, query, status, mediaID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to quarantine media: %w", err)
	}

	return nil
}

// UpdateContentFacts stores the metadata worker's content-derived facts
// with tracing. The stored hash is only set when previously empty; a
// disagreement with an existing hash is the caller's integrity signal.
func (mc *MySQLClient) UpdateContentFacts(ctx context.Context, mediaID string, meta *models.MediaMetadata) error {
	ctx, span := tracer.Start(ctx, "mysql.update_content_facts",
		trace.WithAttributes(attribute.String("media_id", mediaID)),
	)
	defer span.End()

	query := `UPDATE media SET sha256 = IF(sha256 = '', ?, sha256), partial_checksum = ?, mime = ?,
				  width = ?, height = ?, duration_ms = ?, video_codec = ?, audio_codec = ?
			  WHERE id = ?`

	_, err := mc.db.ExecContext(ctx, query,
		meta.SHA256, meta.PartialChecksum, meta.SniffedMime,
		meta.Width, meta.Height, meta.DurationMS, meta.VideoCodec, meta.AudioCodec,
		mediaID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update content facts: %w", err)
	}

	return nil
}

// CreateVariantIfClean inserts a variant row only while the parent media
// is clean and not quarantined, with tracing. It reports whether the row
// was inserted. The guard lives in SQL so a quarantine racing with a
// variant worker cannot slip a row in.
func (mc *MySQLClient) CreateVariantIfClean(ctx context.Context, v *models.MediaVariant) (bool, error) {
	ctx, span := tracer.Start(ctx, "mysql.create_variant_if_clean",
		trace.WithAttributes(
			attribute.String("media_id", v.MediaID),
			attribute.String("profile", v.Profile),
		),
	)
	defer span.End()

	query := `INSERT INTO media_variants (media_id, profile, storage_key, width, height, bitrate, duration_ms, created_at)
			  SELECT m.id, ?, ?, ?, ?, ?, ?, ?
			  FROM media m
			  WHERE m.id = ? AND m.antivirus_status = 'clean' AND m.quarantined = FALSE`

	res, err := mc.db.ExecContext(ctx, query,
		v.Profile, v.StorageKey, v.Width, v.Height, v.Bitrate, v.DurationMS, v.CreatedAt,
		v.MediaID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to insert variant: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}

	span.SetAttributes(attribute.Bool("inserted", rows > 0))
	return rows > 0, nil
}

// ListVariants retrieves all variants of a media record with tracing
func (mc *MySQLClient) ListVariants(ctx context.Context, mediaID string) ([]*models.MediaVariant, error) {
	ctx, span := tracer.Start(ctx, "mysql.list_variants",
		trace.WithAttributes(attribute.String("media_id", mediaID)),
	)
	defer span.End()

	query := `SELECT media_id, profile, storage_key, width, height, bitrate, duration_ms, created_at
			  FROM media_variants WHERE media_id = ?`

	rows, err := mc.db.QueryContext(ctx, query, mediaID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query variants: %w", err)
	}
	defer rows.Close()

	var variants []*models.MediaVariant
	for rows.Next() {
		var v models.MediaVariant
		if err := rows.Scan(&v.MediaID, &v.Profile, &v.StorageKey, &v.Width, &v.Height, &v.Bitrate, &v.DurationMS, &v.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		variants = append(variants, &v)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating variants: %w", err)
	}

	span.SetAttributes(attribute.Int("variant_count", len(variants)))
	return variants, nil
}

// DeleteVariant removes one variant row with tracing
func (mc *MySQLClient) DeleteVariant(ctx context.Context, mediaID, profile string) error {
	ctx, span := tracer.Start(ctx, "mysql.delete_variant",
		trace.WithAttributes(
			attribute.String("media_id", mediaID),
			attribute.String("profile", profile),
		),
	)
	defer span.End()

	query := `DELETE FROM media_variants WHERE media_id = ? AND profile = ?`

	if _, err := mc.db.ExecContext(ctx, query, mediaID, profile); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete variant: %w", err)
	}

	return nil
}

// DeleteMedia removes a media row with tracing. Variant rows cascade via
// the schema's foreign key.
func (mc *MySQLClient) DeleteMedia(ctx context.Context, mediaID string) error {
	ctx, span := tracer.Start(ctx, "mysql.delete_media",
		trace.WithAttributes(attribute.String("media_id", mediaID)),
	)
	defer span.End()

	query := `DELETE FROM media WHERE id = ?`

	if _, err := mc.db.ExecContext(ctx, query, mediaID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete media: %w", err)
	}

	return nil
}

// AdjustRefCount changes a media record's reference count with tracing.
// The count never drops below zero.
func (mc *MySQLClient) AdjustRefCount(ctx context.Context, mediaID string, delta int) error {
	ctx, span := tracer.Start(ctx, "mysql.adjust_ref_count",
		trace.WithAttributes(
			attribute.String("media_id", mediaID),
			attribute.Int("delta", delta),
		),
	)
	defer span.End()

	query := `UPDATE media SET ref_count = GREATEST(CAST(ref_count AS SIGNED) + ?, 0) WHERE id = ?`

	if _, err := mc.db.ExecContext(ctx, query, delta, mediaID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to adjust ref count: %w", err)
	}

	return nil
}

// ListOrphans returns media eligible for collection: zero references, a
// settled scan verdict, and older than the grace period. Oldest first,
// bounded batch.
func (mc *MySQLClient) ListOrphans(ctx context.Context, grace time.Duration, limit int) ([]*models.MediaRecord, error) {
	ctx, span := tracer.Start(ctx, "mysql.list_orphans",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()

	query := `SELECT id, owner_id, storage_key, mime, size, sha256, antivirus_status, quarantined, ref_count, scanned_at, created_at
			  FROM media
			  WHERE ref_count = 0 AND antivirus_status != 'pending' AND created_at < ?
			  ORDER BY created_at ASC
			  LIMIT ?`

	return mc.queryMedia(ctx, span, query, time.Now().Add(-grace), limit)
}

// ListQuarantineExpired returns quarantined media whose scan timestamp is
// older than the quarantine TTL. Oldest first, bounded batch.
func (mc *MySQLClient) ListQuarantineExpired(ctx context.Context, ttl time.Duration, limit int) ([]*models.MediaRecord, error) {
	ctx, span := tracer.Start(ctx, "mysql.list_quarantine_expired",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()

	query := `SELECT id, owner_id, storage_key, mime, size, sha256, antivirus_status, quarantined, ref_count, scanned_at, created_at
			  FROM media
			  WHERE quarantined = TRUE AND scanned_at IS NOT NULL AND scanned_at < ?
			  ORDER BY scanned_at ASC
			  LIMIT ?`

	return mc.queryMedia(ctx, span, query, time.Now().Add(-ttl), limit)
}

func (mc *MySQLClient) queryMedia(ctx context.Context, span trace.Span, query string, args ...any) ([]*models.MediaRecord, error) {
	rows, err := mc.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query media: %w", err)
	}
	defer rows.Close()

	var records []*models.MediaRecord
	for rows.Next() {
		var m models.MediaRecord
		var scannedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.StorageKey, &m.Mime, &m.Size, &m.SHA256,
			&m.AntivirusStatus, &m.Quarantined, &m.RefCount, &scannedAt, &m.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan media: %w", err)
		}
		if scannedAt.Valid {
			m.ScannedAt = &scannedAt.Time
		}
		records = append(records, &m)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating media: %w", err)
	}

	span.SetAttributes(attribute.Int("row_count", len(records)))
	return records, nil
}

// ListConversationTopics returns the realtime topics for every
// conversation the identity is a member of, with tracing. The gateway
// fetches this once per connection as the auto-subscribe snapshot.
func (mc *MySQLClient) ListConversationTopics(ctx context.Context, identity string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "mysql.list_conversation_topics",
		trace.WithAttributes(attribute.String("identity", identity)),
	)
	defer span.End()

	query := `SELECT conversation_id FROM conversation_members WHERE user_id = ?`

	rows, err := mc.db.QueryContext(ctx, query, identity)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query memberships: %w", err)
	}
	defer rows.Close()

	var topics []string
	for rows.Next() {
		var conversationID string
		if err := rows.Scan(&conversationID); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		topics = append(topics, "conversation:"+conversationID)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating memberships: %w", err)
	}

	span.SetAttributes(attribute.Int("topic_count", len(topics)))
	return topics, nil
}

// CompleteSession marks an upload session complete with tracing
func (mc *MySQLClient) CompleteSession(ctx context.Context, sessionID string) error {
	ctx, span := tracer.Start(ctx, "mysql.complete_session",
		trace.WithAttributes(attribute.String("session_id", sessionID)),
	)
	defer span.End()

	query := `UPDATE upload_sessions SET status = 'complete' WHERE id = ? AND status IN ('pending', 'uploading')`

	res, err := mc.db.ExecContext(ctx, query, sessionID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to complete session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ExpireSessions marks sessions past their expiry that are still in a
// non-terminal status as expired, and reports how many were expired.
func (mc *MySQLClient) ExpireSessions(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "mysql.expire_sessions")
	defer span.End()

	query := `UPDATE upload_sessions SET status = 'expired'
			  WHERE expires_at < ? AND status IN ('pending', 'uploading')`

	res, err := mc.db.ExecContext(ctx, query, time.Now())
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to expire sessions: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	span.SetAttributes(attribute.Int64("expired", rows))
	return rows, nil
}
