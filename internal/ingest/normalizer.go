package ingest

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/XueJourney/mail-agent/internal/parser"
	"github.com/XueJourney/mail-agent/pkg/models"
)

// ErrUndecodable is returned when an input has neither a parsable raw
// source nor a usable envelope.
var ErrUndecodable = errors.New("message not decodable")

// DefaultSubject is stored when a message carries no subject.
const DefaultSubject = "(no subject)"

// Fetched is one message pulled from an IMAP mailbox: server metadata
// plus the full raw source when the fetch included it.
type Fetched struct {
	UID      uint32
	Flags    []string
	Envelope *Envelope
	Raw      []byte
}

// Envelope carries the server-parsed header fields of a fetched message.
type Envelope struct {
	MessageID string
	Subject   string
	Date      time.Time
	FromAddr  string
	FromName  string
	To        []string
	Cc        []string
}

// WebhookMessage is the inbound push payload. Either RawBase64 holds an
// encoded message source, or the structured fields are set directly.
type WebhookMessage struct {
	Account   string    `json:"account"`
	MessageID string    `json:"message_id"`
	Subject   string    `json:"subject"`
	Date      time.Time `json:"date"`
	From      string    `json:"from"`
	FromName  string    `json:"from_name"`
	To        []string  `json:"to"`
	Cc        []string  `json:"cc"`
	BodyText  string    `json:"body_text"`
	BodyHTML  string    `json:"body_html"`
	Labels    []string  `json:"labels"`
	RawBase64 string    `json:"raw_base64"`
	Encoding  string    `json:"encoding"` // "gzip" when the raw blob is compressed
}

// DefaultWebhookAccount labels webhook records whose payload names no account.
const DefaultWebhookAccount = "webhook"

// Normalizer maps raw inputs from either source into canonical email
// records. It never fails on missing optional fields, only on a
// structurally undecodable input.
type Normalizer struct {
	html *parser.HTMLParser
}

// NewNormalizer creates a new normalizer
func NewNormalizer() *Normalizer {
	return &Normalizer{html: parser.NewHTMLParser()}
}

// FromIMAP builds a record from a fetched message. Envelope fields win
// over fields parsed out of the raw source; the raw source supplies
// bodies, attachments and headers.
func (n *Normalizer) FromIMAP(account string, f Fetched) (*models.Email, error) {
	var msg *parser.Message
	if len(f.Raw) > 0 {
		if m, err := parser.ReadMessage(bytes.NewReader(f.Raw)); err == nil {
			msg = m
		}
	}
	if msg == nil && f.Envelope == nil {
		return nil, fmt.Errorf("uid %d: %w", f.UID, ErrUndecodable)
	}
	if msg == nil {
		msg = &parser.Message{}
	}

	e := &models.Email{
		Account: account,
		Folder:  "INBOX",
		UID:     sql.NullInt64{Int64: int64(f.UID), Valid: true},
		Source:  models.SourceIMAP,
	}

	env := f.Envelope
	if env == nil {
		env = &Envelope{}
	}
	e.MessageID = canonicalID(pick(env.MessageID, msg.MessageID))
	e.Subject = pick(env.Subject, msg.Subject)
	e.FromAddr = pick(env.FromAddr, msg.FromAddr)
	e.FromName = pick(env.FromName, msg.FromName)
	e.Date = env.Date
	if e.Date.IsZero() {
		e.Date = msg.Date
	}
	to := env.To
	if len(to) == 0 {
		to = msg.To
	}
	cc := env.Cc
	if len(cc) == 0 {
		cc = msg.Cc
	}
	e.ToAddrs = marshalList(to)
	e.CcAddrs = marshalList(cc)
	e.BodyText = msg.BodyText
	e.BodyHTML = msg.BodyHTML
	e.HasAttachments = len(msg.Attachments) > 0
	e.RawHeaders = msg.RawHeaders
	e.Labels = "[]"

	for _, flag := range f.Flags {
		switch flag {
		case `\Seen`:
			e.IsRead = true
		case `\Flagged`:
			e.IsStarred = true
		}
	}

	if e.MessageID == "" {
		e.MessageID = fmt.Sprintf("imap-%s-%d", account, f.UID)
	}

	n.applyDefaults(e)
	return e, nil
}

// FromWebhook builds a record from a push payload, decoding an embedded
// raw source when one is present.
func (n *Normalizer) FromWebhook(p *WebhookMessage) (*models.Email, error) {
	account := p.Account
	if account == "" {
		account = DefaultWebhookAccount
	}

	if p.RawBase64 != "" {
		raw, err := decodeRaw(p.RawBase64, p.Encoding)
		if err != nil {
			return nil, err
		}
		return n.fromRaw(account, raw)
	}

	e := &models.Email{
		MessageID: canonicalID(p.MessageID),
		Account:   account,
		Folder:    "INBOX",
		Date:      p.Date,
		Subject:   p.Subject,
		FromAddr:  p.From,
		FromName:  p.FromName,
		ToAddrs:   marshalList(p.To),
		CcAddrs:   marshalList(p.Cc),
		BodyText:  p.BodyText,
		BodyHTML:  p.BodyHTML,
		Labels:    marshalList(dedupe(p.Labels)),
		Source:    models.SourceWebhook,
	}
	if e.MessageID == "" {
		e.MessageID = fmt.Sprintf("webhook-%s", uuid.NewString())
	}

	n.applyDefaults(e)
	return e, nil
}

// fromRaw runs a raw source through the same decode capability used for
// IMAP fetches.
func (n *Normalizer) fromRaw(account string, raw []byte) (*models.Email, error) {
	msg, err := parser.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	e := &models.Email{
		MessageID:      canonicalID(msg.MessageID),
		Account:        account,
		Folder:         "INBOX",
		Date:           msg.Date,
		Subject:        msg.Subject,
		FromAddr:       msg.FromAddr,
		FromName:       msg.FromName,
		ToAddrs:        marshalList(msg.To),
		CcAddrs:        marshalList(msg.Cc),
		BodyText:       msg.BodyText,
		BodyHTML:       msg.BodyHTML,
		HasAttachments: len(msg.Attachments) > 0,
		RawHeaders:     msg.RawHeaders,
		Labels:         "[]",
		Source:         models.SourceWebhook,
	}
	if e.MessageID == "" {
		e.MessageID = fmt.Sprintf("webhook-%s", uuid.NewString())
	}

	n.applyDefaults(e)
	return e, nil
}

// applyDefaults fills the fields the record shape requires even when the
// input omitted them.
func (n *Normalizer) applyDefaults(e *models.Email) {
	if e.Subject == "" {
		e.Subject = DefaultSubject
	}
	if e.Date.IsZero() {
		e.Date = time.Now()
	}
	if e.BodyText == "" && e.BodyHTML != "" {
		if text, err := n.html.Parse(e.BodyHTML); err == nil {
			e.BodyText = text
		}
	}
	if e.ToAddrs == "" {
		e.ToAddrs = "[]"
	}
	if e.CcAddrs == "" {
		e.CcAddrs = "[]"
	}
	if e.Labels == "" {
		e.Labels = "[]"
	}
}

func decodeRaw(encoded, encoding string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	if encoding == "gzip" {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid gzip payload: %w", err)
		}
		defer zr.Close()
		raw, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip payload: %w", err)
		}
	}
	return raw, nil
}

// canonicalID strips angle brackets so ids derived from an IMAP envelope
// and from a raw header resolve to the same dedup key.
func canonicalID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return id
}

func pick(primary, fallback string) string {
	if primary != "" {
		return primary
	}
	return fallback
}

func marshalList(items []string) string {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	var out []string
	for _, it := range items {
		if _, ok := seen[it]; ok {
			continue
		}
		seen[it] = struct{}{}
		out = append(out, it)
	}
	return out
}
