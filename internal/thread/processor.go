package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hal9000y/gmail-autoreply/internal/format"
	"github.com/hal9000y/gmail-autoreply/internal/outbox"
	"github.com/hal9000y/gmail-autoreply/internal/reply"
	"github.com/hal9000y/gmail-autoreply/internal/store"
)

const (
	defaultGenerateTimeout = 60 * time.Second
	defaultSendTimeout     = 30 * time.Second
	defaultContextLimit    = 1

	// reasonReviewRequested is used when the generator asks for review without saying why.
	reasonReviewRequested = "review_requested"

	sentSnippetLen = 200
)

type generator interface {
	Generate(ctx context.Context, req reply.Request) (string, error)
}

type sender interface {
	Send(ctx context.Context, threadID string, d format.Draft) (outbox.Sent, error)
}

type sentMarker interface {
	Mark(id string)
}

// Config bounds the context window and the collaborator calls. Non-positive
// context limits fall back to one message per side.
type Config struct {
	ContextInbound  int
	ContextOutbound int
	GenerateTimeout time.Duration
	SendTimeout     time.Duration
}

// NewProcessor creates a Processor. Zero values in cfg fall back to defaults.
func NewProcessor(repo store.Repository, gen generator, snd sender, guard sentMarker, cfg Config) *Processor {
	if cfg.ContextInbound <= 0 {
		cfg.ContextInbound = defaultContextLimit
	}
	if cfg.ContextOutbound <= 0 {
		cfg.ContextOutbound = defaultContextLimit
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = defaultGenerateTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	return &Processor{
		repo:  repo,
		gen:   gen,
		snd:   snd,
		guard: guard,
		cfg:   cfg,
	}
}

// Processor moves pending inbound messages of a thread to responded or
// human_review, sending a reply when the generator produces one.
type Processor struct {
	repo  store.Repository
	gen   generator
	snd   sender
	guard sentMarker
	cfg   Config
}

type outcome struct {
	status store.Status
	reason string
	raw    string
	parsed json.RawMessage
	reply  *store.Reply
	sent   *outbox.Sent
}

// ProcessThread runs one reply cycle for threadID. Collaborator failures end
// in human_review; only store failures are returned.
func (p *Processor) ProcessThread(ctx context.Context, threadID string) error {
	st, err := p.repo.Load()
	if err != nil {
		return fmt.Errorf("repo.Load failed: %w", err)
	}

	msgs := st.ThreadMessages(threadID)

	var pending []store.Message
	for _, m := range msgs {
		if m.Pending() {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	latest := msgs[len(msgs)-1]
	if latest.SentByUs {
		log.Printf("Thread %s: latest message %s was sent by us, nothing to answer", threadID, latest.ID)
		return nil
	}

	target := pending[len(pending)-1]
	window := includeLatest(BuildContext(msgs, p.cfg.ContextInbound, p.cfg.ContextOutbound), msgs)

	fresh, err := p.repo.Load()
	if err != nil {
		return fmt.Errorf("repo.Load failed: %w", err)
	}
	if cur, ok := fresh.Messages[target.ID]; !ok || !cur.Pending() {
		log.Printf("Thread %s: message %s is no longer new, skipping", threadID, target.ID)
		return nil
	}

	out := p.decide(ctx, threadID, target, window, msgs)

	return p.apply(threadID, pending, out)
}

func (p *Processor) decide(ctx context.Context, threadID string, target store.Message, window, thread []store.Message) outcome {
	genCtx, cancel := context.WithTimeout(ctx, p.cfg.GenerateTimeout)
	raw, err := p.gen.Generate(genCtx, reply.Request{
		ThreadID: threadID,
		Context:  contextMessages(window),
		Thread:   contextMessages(thread),
	})
	cancel()
	if err != nil {
		log.Println(fmt.Errorf("thread %s: gen.Generate failed: %w", threadID, err))
		return outcome{status: store.StatusHumanReview, reason: store.ReasonLLMError}
	}

	res, parsed, err := reply.ParseResult(raw)
	if err != nil {
		log.Println(fmt.Errorf("thread %s: reply.ParseResult failed: %w", threadID, err))
		return outcome{status: store.StatusHumanReview, reason: store.ReasonUnparsableLLM, raw: raw}
	}

	if res.RequiresHumanReview {
		reason := res.Reason
		if reason == "" {
			reason = reasonReviewRequested
		}
		return outcome{status: store.StatusHumanReview, reason: reason, raw: raw, parsed: parsed}
	}

	body := strings.TrimSpace(res.Reply)
	if body == "" {
		return outcome{status: store.StatusHumanReview, reason: store.ReasonEmptyReply, raw: raw, parsed: parsed}
	}

	draft := replyDraft(target, thread, body)
	rep := &store.Reply{
		Subject: format.ReplySubject(draft.Subject),
		Body:    body,
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
	sent, err := p.snd.Send(sendCtx, threadID, draft)
	cancel()
	if err != nil {
		log.Println(fmt.Errorf("thread %s: snd.Send failed: %w", threadID, err))
		return outcome{status: store.StatusHumanReview, reason: store.ReasonSendFailed, raw: raw, parsed: parsed, reply: rep}
	}

	p.guard.Mark(sent.ID)
	rep.SentMessageID = sent.ID
	rep.SentAt = sent.SentAt

	return outcome{status: store.StatusResponded, raw: raw, parsed: parsed, reply: rep, sent: &sent}
}

// apply writes the outcome to every pending message that is still new in a
// fresh load, and records the outbound message when one was sent.
func (p *Processor) apply(threadID string, pending []store.Message, out outcome) error {
	st, err := p.repo.Load()
	if err != nil {
		return fmt.Errorf("repo.Load failed: %w", err)
	}

	for _, m := range pending {
		cur, ok := st.Messages[m.ID]
		if !ok || cur.SentByUs || !cur.Status.CanAdvanceTo(out.status) {
			continue
		}

		cur.Status = out.status
		cur.HumanReviewReason = out.reason
		cur.LLMRaw = out.raw
		cur.LLMParsed = out.parsed
		cur.Reply = out.reply
		st.Messages[m.ID] = cur

		if out.status == store.StatusHumanReview {
			log.Printf("Thread %s: message %s needs human review (%s)", threadID, m.ID, out.reason)
		} else {
			log.Printf("Thread %s: message %s responded", threadID, m.ID)
		}
	}

	if out.sent != nil {
		st.Upsert(store.Message{
			ID:              out.sent.ID,
			ThreadID:        threadID,
			From:            out.sent.From,
			Subject:         out.reply.Subject,
			Snippet:         snippet(out.reply.Body),
			Date:            out.sent.SentAt,
			MessageIDHeader: out.sent.MessageIDHeader,
			SentByUs:        true,
			Status:          store.StatusSent,
		})
	}

	if err := p.repo.Save(st); err != nil {
		return fmt.Errorf("repo.Save failed: %w", err)
	}

	return nil
}

func replyDraft(target store.Message, thread []store.Message, body string) format.Draft {
	to := target.ReplyToHeader
	if strings.TrimSpace(to) == "" {
		to = target.From
	}

	refs := make([]string, 0, len(thread))
	for _, m := range thread {
		if m.MessageIDHeader != "" {
			refs = append(refs, m.MessageIDHeader)
		}
	}

	return format.Draft{
		To:         to,
		Subject:    target.Subject,
		Body:       body,
		InReplyTo:  target.MessageIDHeader,
		References: refs,
	}
}

func contextMessages(msgs []store.Message) []reply.ContextMessage {
	out := make([]reply.ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, reply.ContextMessage{
			From:     m.From,
			Date:     m.Date,
			Subject:  m.Subject,
			Snippet:  m.Snippet,
			SentByUs: m.SentByUs,
		})
	}
	return out
}

func snippet(body string) string {
	s := strings.Join(strings.Fields(body), " ")
	if utf8.RuneCountInString(s) <= sentSnippetLen {
		return s
	}
	return string([]rune(s)[:sentSnippetLen])
}
