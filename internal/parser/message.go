package parser

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Message is the structured form of a decoded raw RFC822 blob. The same
// decode path serves IMAP fetches and webhook raw payloads.
type Message struct {
	MessageID   string
	Subject     string
	Date        time.Time
	FromAddr    string
	FromName    string
	To          []string
	Cc          []string
	BodyText    string
	BodyHTML    string
	Attachments []string
	RawHeaders  string
}

// ReadMessage decodes a raw message source. It fails only when the blob
// is not a parsable message at all; missing parts or headers leave the
// corresponding fields empty.
func ReadMessage(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	m := &Message{}
	h := mr.Header

	m.Subject, _ = h.Subject()
	m.MessageID, _ = h.MessageID()
	if d, err := h.Date(); err == nil {
		m.Date = d
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		m.FromName = from[0].Name
		m.FromAddr = from[0].Address
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			m.To = append(m.To, a.Address)
		}
	}
	if cc, err := h.AddressList("Cc"); err == nil {
		for _, a := range cc {
			m.Cc = append(m.Cc, a.Address)
		}
	}

	var raw strings.Builder
	fields := h.Fields()
	for fields.Next() {
		raw.WriteString(fields.Key())
		raw.WriteString(": ")
		raw.WriteString(fields.Value())
		raw.WriteString("\r\n")
	}
	m.RawHeaders = raw.String()

	// Read parts
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Keep whatever was decoded before the broken part
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ := ph.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			if strings.HasPrefix(ct, "text/html") && m.BodyHTML == "" {
				m.BodyHTML = string(body)
			} else if strings.HasPrefix(ct, "text/plain") && m.BodyText == "" {
				m.BodyText = string(body)
			}
		case *mail.AttachmentHeader:
			name, err := ph.Filename()
			if err != nil || name == "" {
				name = "attachment"
			}
			m.Attachments = append(m.Attachments, name)
		}
	}

	return m, nil
}
