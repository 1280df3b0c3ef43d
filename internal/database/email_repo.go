package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/XueJourney/mail-agent/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// ErrInvalidFilter is returned when a mutation request selects no target
var ErrInvalidFilter = errors.New("invalid filter")

const (
	// MaxSearchLimit caps the page size of Search.
	MaxSearchLimit     = 200
	defaultSearchLimit = 50
)

// Filter selects emails for Search.
type Filter struct {
	Query   string // substring match over subject, sender and text body
	Account string
	Unread  *bool
	Limit   int
	Offset  int
}

// InsertIfAbsent stores the email unless its message_id is already
// present. Returns true when a new row was inserted; a duplicate is a
// silent no-op, never an error.
func (db *DB) InsertIfAbsent(ctx context.Context, e *models.Email) (bool, error) {
	query := `
		INSERT OR IGNORE INTO emails (message_id, account, folder, uid, date, subject, from_addr, from_name, to_addrs, cc_addrs, body_text, body_html, has_attachments, is_read, is_starred, labels, raw_headers, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		e.MessageID,
		e.Account,
		e.Folder,
		e.UID,
		e.Date,
		e.Subject,
		e.FromAddr,
		e.FromName,
		e.ToAddrs,
		e.CcAddrs,
		e.BodyText,
		e.BodyHTML,
		e.HasAttachments,
		e.IsRead,
		e.IsStarred,
		e.Labels,
		e.RawHeaders,
		e.Source,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert email: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("failed to get last insert id: %w", err)
	}

	e.ID = id
	e.CreatedAt = now
	return true, nil
}

// LatestUID returns the highest IMAP UID recorded for the account, 0 if
// the account has no rows. Used to compute the full-sync watermark.
func (db *DB) LatestUID(ctx context.Context, account string) (uint32, error) {
	var uid uint32
	query := `SELECT COALESCE(MAX(uid), 0) FROM emails WHERE account = ? AND uid IS NOT NULL`
	if err := db.GetContext(ctx, &uid, query, account); err != nil {
		return 0, fmt.Errorf("failed to get latest uid: %w", err)
	}
	return uid, nil
}

// Search returns summaries matching the filter, newest date first.
// The limit is clamped to MaxSearchLimit; an offset past the end yields
// an empty result.
func (db *DB) Search(ctx context.Context, f Filter) ([]models.EmailSummary, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, message_id, account, date, subject, from_addr, from_name, has_attachments, is_read, is_starred, source
		FROM emails WHERE 1=1
	`
	var args []interface{}

	if f.Account != "" {
		query += ` AND account = ?`
		args = append(args, f.Account)
	}
	if f.Unread != nil {
		query += ` AND is_read = ?`
		args = append(args, !*f.Unread)
	}
	if f.Query != "" {
		query += ` AND (subject LIKE ? OR from_addr LIKE ? OR from_name LIKE ? OR body_text LIKE ?)`
		pattern := "%" + f.Query + "%"
		args = append(args, pattern, pattern, pattern, pattern)
	}

	query += ` ORDER BY date DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	summaries := []models.EmailSummary{}
	if err := db.SelectContext(ctx, &summaries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search emails: %w", err)
	}
	return summaries, nil
}

// GetByID returns the full email record
func (db *DB) GetByID(ctx context.Context, id int64) (*models.Email, error) {
	var e models.Email
	query := `SELECT * FROM emails WHERE id = ?`
	err := db.GetContext(ctx, &e, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get email: %w", err)
	}
	return &e, nil
}

// SetRead updates the read flag of one email and returns the number of
// rows changed (0 when the id does not exist).
func (db *DB) SetRead(ctx context.Context, id int64, read bool) (int64, error) {
	result, err := db.ExecContext(ctx, `UPDATE emails SET is_read = ? WHERE id = ?`, read, id)
	if err != nil {
		return 0, fmt.Errorf("failed to set read flag: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// SetStarred updates the starred flag of one email.
func (db *DB) SetStarred(ctx context.Context, id int64, starred bool) (int64, error) {
	result, err := db.ExecContext(ctx, `UPDATE emails SET is_starred = ? WHERE id = ?`, starred, id)
	if err != nil {
		return 0, fmt.Errorf("failed to set starred flag: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// SetReadBatch updates the read flag for a set of emails selected either
// by id list or by account label. Exactly one selector is required;
// when both are supplied the id list wins. Neither supplied returns
// ErrInvalidFilter before touching any row.
func (db *DB) SetReadBatch(ctx context.Context, ids []int64, account string, read bool) (int64, error) {
	if len(ids) == 0 && account == "" {
		return 0, ErrInvalidFilter
	}

	var (
		query string
		args  []interface{}
		err   error
	)
	if len(ids) > 0 {
		query, args, err = sqlx.In(`UPDATE emails SET is_read = ? WHERE id IN (?)`, read, ids)
		if err != nil {
			return 0, fmt.Errorf("failed to build batch query: %w", err)
		}
		query = db.Rebind(query)
	} else {
		query = `UPDATE emails SET is_read = ? WHERE account = ?`
		args = []interface{}{read, account}
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to set read flags: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Stats returns per-account totals, ordered by account label.
func (db *DB) Stats(ctx context.Context) ([]models.AccountStats, error) {
	query := `
		SELECT account, COUNT(*) AS total, SUM(CASE WHEN is_read THEN 0 ELSE 1 END) AS unread
		FROM emails
		GROUP BY account
		ORDER BY account
	`
	stats := []models.AccountStats{}
	if err := db.SelectContext(ctx, &stats, query); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return stats, nil
}
