package store

import (
	"context"
	"fmt"
)

// FeedbackHistory returns the feedback events of a source whose author
// normalizes to handle, oldest first. Ties on occurred_at are broken by id
// so replay order is stable.
//
// The feedback_events table belongs to the external event log; this
// package only reads it. Matching happens in Go because the log keeps the
// author handle as ingested, and SQL lower() differs between drivers.
func (db *DB) FeedbackHistory(ctx context.Context, sourceID, handle string) ([]FeedbackEvent, error) {
	key := NormalizeHandle(handle)
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT id, owner_id, source_id, content_item_id, author_handle, action, occurred_at
		FROM feedback_events WHERE source_id = ?
		ORDER BY occurred_at ASC, id ASC
	`), sourceID)
	if err != nil {
		return nil, fmt.Errorf("feedback history: %w", err)
	}
	defer rows.Close()

	var events []FeedbackEvent
	for rows.Next() {
		var ev FeedbackEvent
		var occurredAt int64
		if err := rows.Scan(&ev.ID, &ev.OwnerID, &ev.SourceID, &ev.ContentItemID,
			&ev.AuthorHandle, &ev.Action, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan feedback event: %w", err)
		}
		if NormalizeHandle(ev.AuthorHandle) != key {
			continue
		}
		ev.OccurredAt = fromMillis(occurredAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}
