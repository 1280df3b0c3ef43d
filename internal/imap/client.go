package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/XueJourney/mail-agent/internal/config"
	"github.com/XueJourney/mail-agent/internal/ingest"
)

// WaitResult reports what ended an idle wait.
type WaitResult int

const (
	WaitNewMail WaitResult = iota // server signalled new mail
	WaitRenew                     // proactive renewal timer fired
	WaitStopped                   // stop was requested
)

// Session is one authenticated IMAP connection with INBOX selected. All
// methods are called from a single watcher goroutine.
type Session interface {
	// FetchSince fetches all messages with UID strictly greater than
	// sinceUID, in ascending UID order.
	FetchSince(ctx context.Context, sinceUID uint32) ([]ingest.Fetched, error)
	// FetchRecent fetches the most recent count messages by sequence
	// position.
	FetchRecent(ctx context.Context, count uint32) ([]ingest.Fetched, error)
	// Wait blocks until new mail is signalled, the renewal timer fires or
	// stop is closed, whichever happens first.
	Wait(stop <-chan struct{}, renew time.Duration) (WaitResult, error)
	Logout() error
}

// DialFunc establishes a Session for an account.
type DialFunc func(ctx context.Context, acc config.Account) (Session, error)

// Dialer binds a DialFunc to connection settings.
func Dialer(dialTimeout time.Duration, logger *slog.Logger) DialFunc {
	return func(ctx context.Context, acc config.Account) (Session, error) {
		return dial(acc, dialTimeout, logger)
	}
}

type session struct {
	cl      *client.Client
	updates chan client.Update
	logger  *slog.Logger
}

func dial(acc config.Account, dialTimeout time.Duration, logger *slog.Logger) (*session, error) {
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", acc.Addr(), &tls.Config{
		ServerName: acc.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	cl, err := client.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create IMAP client: %w", err)
	}

	if err := cl.Login(acc.Username, acc.Password); err != nil {
		cl.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}

	if _, err := cl.Select("INBOX", false); err != nil {
		cl.Logout()
		return nil, fmt.Errorf("failed to select INBOX: %w", err)
	}

	// Unilateral server updates (EXISTS on new mail) land here. Buffered
	// so updates arriving mid-fetch never block the connection reader.
	updates := make(chan client.Update, 128)
	cl.Updates = updates

	return &session{
		cl:      cl,
		updates: updates,
		logger:  logger.With("account", acc.Label),
	}, nil
}

func (s *session) FetchSince(ctx context.Context, sinceUID uint32) ([]ingest.Fetched, error) {
	mbox := s.cl.Mailbox()
	if mbox == nil || mbox.Messages == 0 {
		return nil, nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddRange(sinceUID+1, 0) // 0 means * (all)

	return s.fetch(seqSet, true)
}

func (s *session) FetchRecent(ctx context.Context, count uint32) ([]ingest.Fetched, error) {
	mbox := s.cl.Mailbox()
	if mbox == nil || mbox.Messages == 0 {
		return nil, nil
	}

	from := uint32(1)
	if mbox.Messages > count {
		from = mbox.Messages - count + 1
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(from, mbox.Messages)

	return s.fetch(seqSet, false)
}

func (s *session) fetch(seqSet *imap.SeqSet, byUID bool) ([]ingest.Fetched, error) {
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchUid,
		imap.FetchInternalDate,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, 100)
	done := make(chan error, 1)

	go func() {
		if byUID {
			done <- s.cl.UidFetch(seqSet, items, messages)
		} else {
			done <- s.cl.Fetch(seqSet, items, messages)
		}
	}()

	var fetched []ingest.Fetched
	for msg := range messages {
		fetched = append(fetched, convertMessage(msg, section))
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}

	sort.Slice(fetched, func(i, j int) bool { return fetched[i].UID < fetched[j].UID })
	return fetched, nil
}

// convertMessage lifts a wire message into the ingestion shape.
func convertMessage(msg *imap.Message, section *imap.BodySectionName) ingest.Fetched {
	f := ingest.Fetched{
		UID:   msg.Uid,
		Flags: append([]string(nil), msg.Flags...),
	}

	if msg.Envelope != nil {
		env := &ingest.Envelope{
			MessageID: msg.Envelope.MessageId,
			Subject:   msg.Envelope.Subject,
			Date:      msg.Envelope.Date,
		}
		if env.Date.IsZero() {
			env.Date = msg.InternalDate
		}
		if len(msg.Envelope.From) > 0 {
			from := msg.Envelope.From[0]
			env.FromName = from.PersonalName
			env.FromAddr = from.Address()
		}
		for _, to := range msg.Envelope.To {
			env.To = append(env.To, to.Address())
		}
		for _, cc := range msg.Envelope.Cc {
			env.Cc = append(env.Cc, cc.Address())
		}
		f.Envelope = env
	}

	if body := msg.GetBody(section); body != nil {
		if raw, err := io.ReadAll(body); err == nil {
			f.Raw = raw
		}
	}

	return f
}

func (s *session) Wait(stop <-chan struct{}, renew time.Duration) (WaitResult, error) {
	// Signals that arrived during the previous fetch coalesce into a
	// single immediate result.
	if s.drainUpdates() {
		return WaitNewMail, nil
	}

	stopIdle := make(chan struct{})
	doneIdle := make(chan error, 1)
	go func() { doneIdle <- s.cl.Idle(stopIdle, nil) }()

	timer := time.NewTimer(renew)
	defer timer.Stop()

	for {
		select {
		case <-stop:
			close(stopIdle)
			<-doneIdle
			return WaitStopped, nil

		case <-timer.C:
			close(stopIdle)
			<-doneIdle
			return WaitRenew, nil

		case err := <-doneIdle:
			if err != nil {
				return 0, fmt.Errorf("idle: %w", err)
			}
			// Server ended the idle on its own; cycle the connection.
			return WaitRenew, nil

		case update := <-s.updates:
			if _, ok := update.(*client.MailboxUpdate); !ok {
				// Flag and expunge updates don't end the wait
				continue
			}
			close(stopIdle)
			<-doneIdle
			return WaitNewMail, nil
		}
	}
}

// drainUpdates consumes buffered updates, reporting whether any of them
// was a mailbox (new mail) update.
func (s *session) drainUpdates() bool {
	newMail := false
	for {
		select {
		case update := <-s.updates:
			if _, ok := update.(*client.MailboxUpdate); ok {
				newMail = true
			}
		default:
			return newMail
		}
	}
}

func (s *session) Logout() error {
	// Bounded logout so shutdown never hangs on a dead connection
	done := make(chan error, 1)
	go func() { done <- s.cl.Logout() }()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		return s.cl.Terminate()
	}
}
