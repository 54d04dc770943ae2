package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/tablepick/internal/checkout"
)

// Record appends ev to the checkout event log.
func (db *DB) Record(ctx context.Context, ev checkout.Event) error {
	items, err := json.Marshal(ev.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	if ev.Items == nil {
		items = []byte("[]")
	}
	at := ev.At
	if at.IsZero() {
		at = db.clock.Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO checkout_events (kind, invoice_key, entity_id, user_id, items_json, detail, at_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Kind), ev.Key, ev.EntityID, ev.UserID, string(items), ev.Detail, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record %s event: %w", ev.Kind, err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]checkout.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT kind, invoice_key, entity_id, user_id, items_json, detail, at_unix_ms
		FROM checkout_events ORDER BY at_unix_ms DESC, event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []checkout.Event
	for rows.Next() {
		var (
			ev    checkout.Event
			kind  string
			items string
			at    int64
		)
		if err := rows.Scan(&kind, &ev.Key, &ev.EntityID, &ev.UserID, &items, &ev.Detail, &at); err != nil {
			return nil, err
		}
		ev.Kind = checkout.EventKind(kind)
		if err := json.Unmarshal([]byte(items), &ev.Items); err != nil {
			return nil, fmt.Errorf("decode items of event at %d: %w", at, err)
		}
		ev.At = time.UnixMilli(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}
