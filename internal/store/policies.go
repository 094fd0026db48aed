package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const policyColumns = `id, source_id, handle, mode, pos_score, neg_score,
	last_feedback_at, last_updated_at, version, created_at, updated_at`

// EnsurePolicies creates an auto-mode row for every handle of the source that
// has none. Handles are normalized first; existing rows (and their mode) are
// left alone. Returns the number of rows created.
func (db *DB) EnsurePolicies(ctx context.Context, sourceID string, handles []string, now time.Time) (int, error) {
	seen := make(map[string]bool, len(handles))
	var keys []string
	for _, h := range handles {
		k := NormalizeHandle(h)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin ensure policies: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.rebind(`
		INSERT INTO account_trust_policies (id, source_id, handle, mode, created_at, updated_at)
		VALUES (?, ?, ?, 'auto', ?, ?)
		ON CONFLICT (source_id, handle) DO NOTHING
	`))
	if err != nil {
		return 0, fmt.Errorf("prepare ensure policies: %w", err)
	}
	defer stmt.Close()

	ms := toMillis(now)
	created := 0
	for _, k := range keys {
		result, err := stmt.ExecContext(ctx, uuid.NewString(), sourceID, k, ms, ms)
		if err != nil {
			return 0, fmt.Errorf("ensure policy %s/%s: %w", sourceID, k, err)
		}
		n, _ := result.RowsAffected()
		created += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit ensure policies: %w", err)
	}
	return created, nil
}

// GetPolicy returns the policy for (source, handle), or nil if not found.
func (db *DB) GetPolicy(ctx context.Context, sourceID, handle string) (*TrustPolicy, error) {
	row := db.QueryRowContext(ctx, db.rebind(`
		SELECT `+policyColumns+`
		FROM account_trust_policies WHERE source_id = ? AND handle = ?
	`), sourceID, NormalizeHandle(handle))
	p, err := scanPolicy(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	return p, nil
}

// ListPolicies returns every policy of a source ordered by handle.
func (db *DB) ListPolicies(ctx context.Context, sourceID string) ([]TrustPolicy, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT `+policyColumns+`
		FROM account_trust_policies WHERE source_id = ?
		ORDER BY handle
	`), sourceID)
	if err != nil {
		return nil, fmt.Errorf("list policies: %w", err)
	}
	defer rows.Close()

	var out []TrustPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// SavePolicyScores writes scores and decay timestamps of p, guarded by
// p.Version. The mode column is never touched here.
func (db *DB) SavePolicyScores(ctx context.Context, p *TrustPolicy) error {
	result, err := db.ExecContext(ctx, db.rebind(`
		UPDATE account_trust_policies SET pos_score = ?, neg_score = ?,
			last_feedback_at = ?, last_updated_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`), p.PosScore, p.NegScore,
		toNullMillis(p.LastFeedbackAt), toNullMillis(p.LastUpdatedAt),
		toMillis(p.UpdatedAt), p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("save policy scores: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("save policy scores: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("save policy %s/%s: %w", p.SourceID, p.Handle, ErrConflict)
	}
	p.Version++
	return nil
}

// UpdatePolicyMode sets the mode of an existing policy. Scores and the decay
// clock are untouched. Returns nil if no row exists.
func (db *DB) UpdatePolicyMode(ctx context.Context, sourceID, handle string, mode Mode, now time.Time) (*TrustPolicy, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("update policy mode: invalid mode %q", mode)
	}
	key := NormalizeHandle(handle)
	result, err := db.ExecContext(ctx, db.rebind(`
		UPDATE account_trust_policies SET mode = ?, version = version + 1, updated_at = ?
		WHERE source_id = ? AND handle = ?
	`), string(mode), toMillis(now), sourceID, key)
	if err != nil {
		return nil, fmt.Errorf("update policy mode: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil
	}
	return db.GetPolicy(ctx, sourceID, key)
}

// ResetPolicy zeroes scores, clears last_feedback_at and restarts the decay
// clock at now. Mode is preserved. Returns nil if no row exists.
func (db *DB) ResetPolicy(ctx context.Context, sourceID, handle string, now time.Time) (*TrustPolicy, error) {
	key := NormalizeHandle(handle)
	ms := toMillis(now)
	result, err := db.ExecContext(ctx, db.rebind(`
		UPDATE account_trust_policies SET pos_score = 0, neg_score = 0,
			last_feedback_at = NULL, last_updated_at = ?,
			version = version + 1, updated_at = ?
		WHERE source_id = ? AND handle = ?
	`), ms, ms, sourceID, key)
	if err != nil {
		return nil, fmt.Errorf("reset policy: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, nil
	}
	return db.GetPolicy(ctx, sourceID, key)
}

func scanPolicy(s scanner) (*TrustPolicy, error) {
	var p TrustPolicy
	var mode string
	var pos, neg any
	var lastFeedback, lastUpdated sql.NullInt64
	var createdAt, updatedAt int64
	if err := s.Scan(&p.ID, &p.SourceID, &p.Handle, &mode, &pos, &neg,
		&lastFeedback, &lastUpdated, &p.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	p.Mode = Mode(mode)
	if !p.Mode.Valid() {
		return nil, fmt.Errorf("%w: policy %s has mode %q", ErrCorruptState, p.ID, mode)
	}
	var err error
	if p.PosScore, err = decodeMagnitude("pos_score", pos); err != nil {
		return nil, err
	}
	if p.NegScore, err = decodeMagnitude("neg_score", neg); err != nil {
		return nil, err
	}
	p.LastFeedbackAt = fromNullMillis(lastFeedback)
	p.LastUpdatedAt = fromNullMillis(lastUpdated)
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}
