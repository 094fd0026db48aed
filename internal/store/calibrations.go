package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const calibrationColumns = `id, owner_id, source_id, items_shown, items_liked, items_disliked,
	rolling_hit_rate, calibration_offset, window_start, version, created_at, updated_at`

// EnsureCalibration creates a zeroed calibration row for (owner, source) if
// none exists and returns the stored row. An existing row is never modified.
func (db *DB) EnsureCalibration(ctx context.Context, ownerID, sourceID string, now time.Time) (*SourceCalibration, error) {
	ms := toMillis(now)
	_, err := db.ExecContext(ctx, db.rebind(`
		INSERT INTO source_calibrations (id, owner_id, source_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (owner_id, source_id) DO NOTHING
	`), uuid.NewString(), ownerID, sourceID, ms, ms)
	if err != nil {
		return nil, fmt.Errorf("ensure calibration: %w", err)
	}

	c, err := db.GetCalibration(ctx, ownerID, sourceID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("ensure calibration %s/%s: row vanished after insert", ownerID, sourceID)
	}
	return c, nil
}

// GetCalibration returns the calibration for (owner, source), or nil if not found.
func (db *DB) GetCalibration(ctx context.Context, ownerID, sourceID string) (*SourceCalibration, error) {
	row := db.QueryRowContext(ctx, db.rebind(`
		SELECT `+calibrationColumns+`
		FROM source_calibrations WHERE owner_id = ? AND source_id = ?
	`), ownerID, sourceID)
	c, err := scanCalibration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get calibration: %w", err)
	}
	return c, nil
}

// GetCalibrations returns the stored calibrations for the given sources of
// one owner, keyed by source ID. Sources without a row are absent from the map.
func (db *DB) GetCalibrations(ctx context.Context, ownerID string, sourceIDs []string) (map[string]*SourceCalibration, error) {
	out := make(map[string]*SourceCalibration, len(sourceIDs))
	if len(sourceIDs) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(sourceIDs)+1)
	args = append(args, ownerID)
	for _, id := range sourceIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(sourceIDs)), ",")

	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT `+calibrationColumns+`
		FROM source_calibrations WHERE owner_id = ? AND source_id IN (`+placeholders+`)
	`), args...)
	if err != nil {
		return nil, fmt.Errorf("get calibrations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCalibration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calibration: %w", err)
		}
		out[c.SourceID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListCalibrations returns all calibrations of an owner ordered by source.
func (db *DB) ListCalibrations(ctx context.Context, ownerID string) ([]SourceCalibration, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT `+calibrationColumns+`
		FROM source_calibrations WHERE owner_id = ?
		ORDER BY source_id
	`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("list calibrations: %w", err)
	}
	defer rows.Close()

	var out []SourceCalibration
	for rows.Next() {
		c, err := scanCalibration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calibration: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SaveCalibration writes counters, window and derived fields of c, guarded
// by c.Version. On success c.Version is advanced; if another writer got
// there first ErrConflict is returned and nothing is written.
func (db *DB) SaveCalibration(ctx context.Context, c *SourceCalibration) error {
	result, err := db.ExecContext(ctx, db.rebind(`
		UPDATE source_calibrations SET items_shown = ?, items_liked = ?, items_disliked = ?,
			rolling_hit_rate = ?, calibration_offset = ?, window_start = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`), c.ItemsShown, c.ItemsLiked, c.ItemsDisliked,
		toNullFloat(c.RollingHitRate), c.CalibrationOffset, toNullMillis(c.WindowStart),
		toMillis(c.UpdatedAt), c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save calibration: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("save calibration %s/%s: %w", c.OwnerID, c.SourceID, ErrConflict)
	}
	c.Version++
	return nil
}

// IncrementItemsShown bumps items_shown for (owner, source), creating the
// row first if needed. The increment is a single statement.
func (db *DB) IncrementItemsShown(ctx context.Context, ownerID, sourceID string, now time.Time) (*SourceCalibration, error) {
	if _, err := db.EnsureCalibration(ctx, ownerID, sourceID, now); err != nil {
		return nil, err
	}
	_, err := db.ExecContext(ctx, db.rebind(`
		UPDATE source_calibrations SET items_shown = items_shown + 1,
			version = version + 1, updated_at = ?
		WHERE owner_id = ? AND source_id = ?
	`), toMillis(now), ownerID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("increment items shown: %w", err)
	}
	return db.GetCalibration(ctx, ownerID, sourceID)
}

// ResetCalibration zeroes counters, hit rate and offset and clears the
// window. Returns nil if no row exists.
func (db *DB) ResetCalibration(ctx context.Context, ownerID, sourceID string, now time.Time) (*SourceCalibration, error) {
	result, err := db.ExecContext(ctx, db.rebind(`
		UPDATE source_calibrations SET items_shown = 0, items_liked = 0, items_disliked = 0,
			rolling_hit_rate = NULL, calibration_offset = 0, window_start = NULL,
			version = version + 1, updated_at = ?
		WHERE owner_id = ? AND source_id = ?
	`), toMillis(now), ownerID, sourceID)
	if err != nil {
		return nil, fmt.Errorf("reset calibration: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil
	}
	return db.GetCalibration(ctx, ownerID, sourceID)
}

func scanCalibration(s scanner) (*SourceCalibration, error) {
	var c SourceCalibration
	var hitRate, offset any
	var windowStart sql.NullInt64
	var createdAt, updatedAt int64
	if err := s.Scan(&c.ID, &c.OwnerID, &c.SourceID,
		&c.ItemsShown, &c.ItemsLiked, &c.ItemsDisliked,
		&hitRate, &offset, &windowStart, &c.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if c.RollingHitRate, err = decodeNullableRate("rolling_hit_rate", hitRate); err != nil {
		return nil, err
	}
	if c.CalibrationOffset, err = decodeReal("calibration_offset", offset); err != nil {
		return nil, err
	}
	if c.ItemsShown < 0 || c.ItemsLiked < 0 || c.ItemsDisliked < 0 {
		return nil, fmt.Errorf("%w: negative counter on calibration %s", ErrCorruptState, c.ID)
	}
	c.WindowStart = fromNullMillis(windowStart)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}
