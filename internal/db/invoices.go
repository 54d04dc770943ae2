package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/tablepick/internal/cart"
	"github.com/banshee-data/tablepick/internal/checkout"
)

// Invoice status values.
const (
	StatusPending  = "pending"
	StatusRejected = "rejected"
	StatusSettled  = "settled"
)

// ErrUnknownInvoice is returned when a key has no stored row.
var ErrUnknownInvoice = errors.New("unknown invoice")

// StoredInvoice is a row of pending_invoices.
type StoredInvoice struct {
	Key       string          `json:"key"`
	EntityID  int             `json:"entity_id"`
	UserID    string          `json:"user_id"`
	Items     []cart.LineItem `json:"items"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func statusFor(retryable bool) string {
	if retryable {
		return StatusPending
	}
	return StatusRejected
}

// SaveFailed stores job after a failed submission. Saving the same key
// again replaces the status and error but keeps the original creation time.
func (db *DB) SaveFailed(ctx context.Context, job checkout.Job, reason string, retryable bool) error {
	items, err := json.Marshal(job.Invoice.Items)
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	created := job.CreatedAt
	if created.IsZero() {
		created = db.clock.Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO pending_invoices (
			invoice_key, entity_id, user_id, items_json, status, attempts,
			last_error, created_unix_ms, updated_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(invoice_key) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_unix_ms = excluded.updated_unix_ms`,
		job.Key, job.EntityID, job.Invoice.UserID, string(items), statusFor(retryable),
		job.Attempts, reason, created.UnixMilli(), db.clock.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save invoice %s: %w", job.Key, err)
	}
	return nil
}

// DuePending returns up to limit pending invoices, oldest first.
func (db *DB) DuePending(ctx context.Context, limit int) ([]checkout.Job, error) {
	invoices, err := db.ListInvoices(ctx, StatusPending, limit)
	if err != nil {
		return nil, err
	}
	jobs := make([]checkout.Job, 0, len(invoices))
	for _, inv := range invoices {
		jobs = append(jobs, checkout.Job{
			Key:       inv.Key,
			EntityID:  inv.EntityID,
			Invoice:   checkout.InvoiceRequest{UserID: inv.UserID, Items: inv.Items},
			CreatedAt: inv.CreatedAt,
			Attempts:  inv.Attempts,
		})
	}
	return jobs, nil
}

// MarkSettled records that the invoice was accepted.
func (db *DB) MarkSettled(ctx context.Context, key string) error {
	return db.update(ctx, key, `UPDATE pending_invoices SET status = ?, last_error = '', updated_unix_ms = ?
		WHERE invoice_key = ?`, StatusSettled, db.clock.Now().UnixMilli(), key)
}

// MarkAttempt records another failed attempt.
func (db *DB) MarkAttempt(ctx context.Context, key string, reason string, retryable bool) error {
	return db.update(ctx, key, `UPDATE pending_invoices SET status = ?, attempts = attempts + 1,
		last_error = ?, updated_unix_ms = ? WHERE invoice_key = ?`,
		statusFor(retryable), reason, db.clock.Now().UnixMilli(), key)
}

func (db *DB) update(ctx context.Context, key, query string, args ...interface{}) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update invoice %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownInvoice, key)
	}
	return nil
}

// CountPending returns the number of invoices awaiting retry.
func (db *DB) CountPending(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_invoices WHERE status = ?`, StatusPending).Scan(&n)
	return n, err
}

// ListInvoices returns invoices with status, oldest first. An empty status
// matches all rows.
func (db *DB) ListInvoices(ctx context.Context, status string, limit int) ([]StoredInvoice, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `SELECT invoice_key, entity_id, user_id, items_json, status, attempts,
		last_error, created_unix_ms, updated_unix_ms FROM pending_invoices`
	if status == "" {
		rows, err = db.QueryContext(ctx, cols+` ORDER BY created_unix_ms, invoice_key LIMIT ?`, limit)
	} else {
		rows, err = db.QueryContext(ctx, cols+` WHERE status = ? ORDER BY created_unix_ms, invoice_key LIMIT ?`, status, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredInvoice
	for rows.Next() {
		var (
			inv              StoredInvoice
			items            string
			created, updated int64
		)
		if err := rows.Scan(&inv.Key, &inv.EntityID, &inv.UserID, &items, &inv.Status,
			&inv.Attempts, &inv.LastError, &created, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(items), &inv.Items); err != nil {
			opsf("invoice %s has unreadable items: %v", inv.Key, err)
			continue
		}
		inv.CreatedAt = time.UnixMilli(created)
		inv.UpdatedAt = time.UnixMilli(updated)
		out = append(out, inv)
	}
	return out, rows.Err()
}
