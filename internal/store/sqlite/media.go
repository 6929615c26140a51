package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soundscribe/videoconverter-api/internal/job"
)

const mediaColumns = `id, video_hash, video_url, audio_url, keyframes,
	keyframe_urls, audio_analysis, duration_seconds, file_size_bytes,
	content_type, archived, created_at, last_accessed_at`

func scanMediaItem(row rowScanner) (*job.MediaStorageItem, error) {
	var (
		m            job.MediaStorageItem
		videoURL     sql.NullString
		audioURL     sql.NullString
		keyframes    sql.NullString
		keyframeURLs sql.NullString
		analysis     sql.NullString
		contentType  sql.NullString
		archived     int
		createdAt    int64
		lastAccessed sql.NullInt64
	)
	if err := row.Scan(
		&m.ID, &m.VideoHash, &videoURL, &audioURL, &keyframes, &keyframeURLs,
		&analysis, &m.DurationSeconds, &m.FileSizeBytes, &contentType,
		&archived, &createdAt, &lastAccessed,
	); err != nil {
		return nil, err
	}

	m.VideoURL = stringOrEmpty(videoURL)
	m.AudioURL = stringOrEmpty(audioURL)
	m.ContentType = stringOrEmpty(contentType)
	m.Archived = archived != 0
	m.CreatedAt = timeAt(createdAt)
	m.LastAccessedAt = timeOrZero(lastAccessed)

	if err := decodeJSON(keyframes, &m.Keyframes); err != nil {
		return nil, err
	}
	if err := decodeJSON(keyframeURLs, &m.KeyframeURLs); err != nil {
		return nil, err
	}
	if err := decodeJSON(analysis, &m.AudioAnalysis); err != nil {
		return nil, err
	}
	return &m, nil
}

func mediaArgs(m *job.MediaStorageItem) ([]any, error) {
	keyframes, err := jsonColumn(m.Keyframes)
	if err != nil {
		return nil, err
	}
	keyframeURLs, err := jsonColumn(m.KeyframeURLs)
	if err != nil {
		return nil, err
	}
	analysis, err := jsonColumn(m.AudioAnalysis)
	if err != nil {
		return nil, err
	}
	archived := 0
	if m.Archived {
		archived = 1
	}
	return []any{
		m.ID, m.VideoHash, nullString(m.VideoURL), nullString(m.AudioURL),
		keyframes, keyframeURLs, analysis, m.DurationSeconds, m.FileSizeBytes,
		nullString(m.ContentType), archived, millis(m.CreatedAt),
		nullMillis(m.LastAccessedAt),
	}, nil
}

// FindByVideoHash returns the non-archived item for a hash.
func (s *Store) FindByVideoHash(ctx context.Context, hash string) (*job.MediaStorageItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media_items
		WHERE video_hash = ? AND archived = 0`, hash)
	item, err := scanMediaItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrMediaItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading media item: %w", err)
	}
	return item, nil
}

// SaveItem inserts an item keyed by VideoHash. When the hash is already
// taken the existing row wins and is returned unchanged, archived or not.
func (s *Store) SaveItem(ctx context.Context, item *job.MediaStorageItem) (*job.MediaStorageItem, error) {
	clone := item.Clone()
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	clone.LastAccessedAt = clone.CreatedAt

	args, err := mediaArgs(clone)
	if err != nil {
		return nil, err
	}
	res, err := s.exec(ctx, `INSERT INTO media_items (`+mediaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (video_hash) DO NOTHING`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: saving media item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: saving media item: %w", err)
	}
	if n == 0 {
		return s.findByHashAnyState(ctx, clone.VideoHash)
	}
	return clone, nil
}

// findByHashAnyState reads an item by hash regardless of the archived flag.
// SaveItem uses it after losing an insert race.
func (s *Store) findByHashAnyState(ctx context.Context, hash string) (*job.MediaStorageItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mediaColumns+` FROM media_items WHERE video_hash = ?`, hash)
	item, err := scanMediaItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, job.ErrMediaItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading media item: %w", err)
	}
	return item, nil
}

// UpdateItem replaces an existing item matched by ID.
func (s *Store) UpdateItem(ctx context.Context, item *job.MediaStorageItem) error {
	vals, err := mediaArgs(item)
	if err != nil {
		return err
	}
	args := append(vals[1:], vals[0])
	res, err := s.exec(ctx, `UPDATE media_items SET
		video_hash = ?, video_url = ?, audio_url = ?, keyframes = ?,
		keyframe_urls = ?, audio_analysis = ?, duration_seconds = ?,
		file_size_bytes = ?, content_type = ?, archived = ?, created_at = ?,
		last_accessed_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: updating media item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: updating media item: %w", err)
	}
	if n == 0 {
		return job.ErrMediaItemNotFound
	}
	return nil
}

// TouchItem stamps LastAccessedAt after a cache hit.
func (s *Store) TouchItem(ctx context.Context, id string) error {
	return s.execMediaUpdate(ctx, "touching media item",
		`UPDATE media_items SET last_accessed_at = ? WHERE id = ?`,
		millis(time.Now()), id)
}

// ArchiveItem excludes an item from future cache lookups.
func (s *Store) ArchiveItem(ctx context.Context, id string) error {
	return s.execMediaUpdate(ctx, "archiving media item",
		`UPDATE media_items SET archived = 1 WHERE id = ?`, id)
}

func (s *Store) execMediaUpdate(ctx context.Context, op, query string, args ...any) error {
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("sqlite: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %s: %w", op, err)
	}
	if n == 0 {
		return job.ErrMediaItemNotFound
	}
	return nil
}
