package models

import (
	"database/sql"
	"time"
)

// Provenance values for Email.Source.
const (
	SourceIMAP    = "imap"
	SourceWebhook = "webhook"
)

// Email is the canonical stored email record. Once created it is
// immutable except for IsRead and IsStarred.
type Email struct {
	ID             int64         `db:"id" json:"id"`
	MessageID      string        `db:"message_id" json:"message_id"` // dedup key, unique store-wide
	Account        string        `db:"account" json:"account"`
	Folder         string        `db:"folder" json:"folder"`
	UID            sql.NullInt64 `db:"uid" json:"uid"` // IMAP UID, null for webhook records
	Date           time.Time     `db:"date" json:"date"`
	Subject        string        `db:"subject" json:"subject"`
	FromAddr       string        `db:"from_addr" json:"from_addr"`
	FromName       string        `db:"from_name" json:"from_name"`
	ToAddrs        string        `db:"to_addrs" json:"to_addrs"` // JSON array
	CcAddrs        string        `db:"cc_addrs" json:"cc_addrs"` // JSON array
	BodyText       string        `db:"body_text" json:"body_text"`
	BodyHTML       string        `db:"body_html" json:"body_html"`
	HasAttachments bool          `db:"has_attachments" json:"has_attachments"`
	IsRead         bool          `db:"is_read" json:"is_read"`
	IsStarred      bool          `db:"is_starred" json:"is_starred"`
	Labels         string        `db:"labels" json:"labels"` // JSON array, ordered
	RawHeaders     string        `db:"raw_headers" json:"-"`
	Source         string        `db:"source" json:"source"` // "imap" or "webhook"
	CreatedAt      time.Time     `db:"created_at" json:"created_at"`
}

// EmailSummary is the search-result projection of an Email.
type EmailSummary struct {
	ID             int64     `db:"id" json:"id"`
	MessageID      string    `db:"message_id" json:"message_id"`
	Account        string    `db:"account" json:"account"`
	Date           time.Time `db:"date" json:"date"`
	Subject        string    `db:"subject" json:"subject"`
	FromAddr       string    `db:"from_addr" json:"from_addr"`
	FromName       string    `db:"from_name" json:"from_name"`
	HasAttachments bool      `db:"has_attachments" json:"has_attachments"`
	IsRead         bool      `db:"is_read" json:"is_read"`
	IsStarred      bool      `db:"is_starred" json:"is_starred"`
	Source         string    `db:"source" json:"source"`
}

// AccountStats is the per-account aggregate returned by Stats.
type AccountStats struct {
	Account string `db:"account" json:"account"`
	Total   int64  `db:"total" json:"total"`
	Unread  int64  `db:"unread" json:"unread"`
}
