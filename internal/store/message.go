// Package store holds the persisted message/thread state and its file-backed repository.
package store

import (
	"encoding/json"
	"sort"
	"time"
)

// Status is the reply lifecycle state of a Message.
type Status string

const (
	StatusNew         Status = "new"
	StatusResponded   Status = "responded"
	StatusSent        Status = "sent"
	StatusHumanReview Status = "human_review"
)

// Human review reasons set by the thread processor.
const (
	ReasonLLMError      = "llm_error"
	ReasonUnparsableLLM = "unparsable_llm"
	ReasonEmptyReply    = "empty_reply"
	ReasonSendFailed    = "send_failed"
)

// Reply is the audit record of a generated (and possibly sent) reply.
type Reply struct {
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	SentMessageID string    `json:"sentMessageId,omitempty"`
	SentAt        time.Time `json:"sentAt,omitzero"`
}

// Message is a single mailbox message tracked through the reply lifecycle.
type Message struct {
	ID                string          `json:"id"`
	ThreadID          string          `json:"threadId"`
	From              string          `json:"from"`
	Subject           string          `json:"subject"`
	Snippet           string          `json:"snippet"`
	Date              time.Time       `json:"date"`
	MessageIDHeader   string          `json:"messageIdHeader,omitempty"`
	ReplyToHeader     string          `json:"replyToHeader,omitempty"`
	SentByUs          bool            `json:"sentByUs"`
	Status            Status          `json:"status"`
	HumanReviewReason string          `json:"humanReviewReason,omitempty"`
	LLMRaw            string          `json:"llm_raw,omitempty"`
	LLMParsed         json.RawMessage `json:"llm_parsed,omitempty"`
	Reply             *Reply          `json:"reply,omitempty"`
}

// Pending reports whether m is an inbound message still awaiting a reply decision.
func (m Message) Pending() bool {
	return m.Status == StatusNew && !m.SentByUs
}

// Store is the aggregate persisted document.
type Store struct {
	Messages map[string]Message `json:"messages"`
	Threads  map[string][]string `json:"threads"`
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		Messages: make(map[string]Message),
		Threads:  make(map[string][]string),
	}
}

func (s *Store) ensureMaps() {
	if s.Messages == nil {
		s.Messages = make(map[string]Message)
	}
	if s.Threads == nil {
		s.Threads = make(map[string][]string)
	}
}

// Has reports whether a message with id is known.
func (s *Store) Has(id string) bool {
	_, ok := s.Messages[id]
	return ok
}

// Upsert inserts m or merges it into the existing record with the same id.
// An existing status, audit trail and a true SentByUs are never overwritten.
func (s *Store) Upsert(m Message) {
	s.ensureMaps()

	if existing, ok := s.Messages[m.ID]; ok {
		m.Status = existing.Status
		m.SentByUs = m.SentByUs || existing.SentByUs
		m.HumanReviewReason = existing.HumanReviewReason
		m.LLMRaw = existing.LLMRaw
		m.LLMParsed = existing.LLMParsed
		m.Reply = existing.Reply
		if m.MessageIDHeader == "" {
			m.MessageIDHeader = existing.MessageIDHeader
		}
		// A message never moves between threads once attached.
		if existing.ThreadID != "" {
			m.ThreadID = existing.ThreadID
		}
	}

	s.Messages[m.ID] = m
	s.attach(m.ThreadID, m.ID)
}

func (s *Store) attach(threadID, id string) {
	if threadID == "" {
		return
	}
	for _, known := range s.Threads[threadID] {
		if known == id {
			return
		}
	}
	s.Threads[threadID] = append(s.Threads[threadID], id)
}

// ThreadMessages returns the messages of a thread ordered ascending by date.
func (s *Store) ThreadMessages(threadID string) []Message {
	ids := s.Threads[threadID]
	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.Messages[id]; ok {
			msgs = append(msgs, m)
		}
	}
	SortByDate(msgs)

	return msgs
}

// ListByDateDesc returns every message, newest first.
func (s *Store) ListByDateDesc() []Message {
	msgs := make([]Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Date.Equal(msgs[j].Date) {
			return msgs[i].ID > msgs[j].ID
		}
		return msgs[i].Date.After(msgs[j].Date)
	})

	return msgs
}

// SortByDate orders msgs ascending by date. Equal dates keep their input order.
func SortByDate(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Date.Before(msgs[j].Date)
	})
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
// Only new messages move, and only to responded or human_review.
func (s Status) CanAdvanceTo(next Status) bool {
	if s != StatusNew {
		return false
	}
	return next == StatusResponded || next == StatusHumanReview
}
