// Package outbox sends composed replies through the mailbox.
package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/hal9000y/gmail-autoreply/internal/format"
	"github.com/hal9000y/gmail-autoreply/internal/gservice"
)

// Sent describes a message accepted by the mailbox.
type Sent struct {
	ID              string
	From            string
	ThreadID        string
	MessageIDHeader string
	SentAt          time.Time
}

type mailSvc interface {
	SendMessage(ctx context.Context, raw []byte, threadID string) (*gmail.Message, error)
	GetMessageMetadata(ctx context.Context, msgID string) (*gmail.Message, error)
}

// NewSender creates a Sender. from may be empty, in which case the mailbox fills it in.
func NewSender(svc mailSvc, from string) *Sender {
	return &Sender{
		svc:  svc,
		from: from,
		now:  time.Now,
	}
}

// Sender composes and sends replies.
type Sender struct {
	svc  mailSvc
	from string
	now  func() time.Time
}

// Send composes d and sends it into threadID.
func (s *Sender) Send(ctx context.Context, threadID string, d format.Draft) (Sent, error) {
	if d.From == "" {
		d.From = s.from
	}
	d.Date = s.now()

	raw, err := format.ComposeReply(d)
	if err != nil {
		return Sent{}, fmt.Errorf("format.ComposeReply failed: %w", err)
	}

	msg, err := s.svc.SendMessage(ctx, raw, threadID)
	if err != nil {
		return Sent{}, fmt.Errorf("svc.SendMessage failed: %w", err)
	}

	sent := Sent{
		ID:       msg.Id,
		From:     d.From,
		ThreadID: msg.ThreadId,
		SentAt:   d.Date,
	}
	if sent.ThreadID == "" {
		sent.ThreadID = threadID
	}

	// The Message-ID is assigned by the mailbox; without it later replies
	// still thread by id, only the References chain is shorter.
	meta, err := s.svc.GetMessageMetadata(ctx, msg.Id)
	if err != nil {
		log.Println(fmt.Errorf("svc.GetMessageMetadata(%s) failed: %w", msg.Id, err))
		return sent, nil
	}
	sent.MessageIDHeader = gservice.Header(meta, "Message-ID")
	if sent.From == "" {
		sent.From = gservice.Header(meta, "From")
	}

	return sent, nil
}
