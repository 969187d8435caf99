package tool

import (
	"strings"
	"time"

	"github.com/hal9000y/gmail-autoreply/internal/store"
)

// EmailAddress represents an email address with optional display name.
type EmailAddress struct {
	Name  string `json:"name,omitempty" jsonschema:"the display name"`
	Email string `json:"email" jsonschema:"the email address"`
}

// ReplySummary describes the reply generated for a message.
type ReplySummary struct {
	Subject       string `json:"subject" jsonschema:"reply subject"`
	Body          string `json:"body" jsonschema:"reply body"`
	SentMessageID string `json:"sent_message_id,omitempty" jsonschema:"ID of the sent reply, empty when sending failed"`
	SentAt        string `json:"sent_at,omitempty" jsonschema:"time the reply was sent"`
}

// MessageSummary contains a tracked message and its reply lifecycle state.
type MessageSummary struct {
	ID                string        `json:"id" jsonschema:"message ID"`
	ThreadID          string        `json:"thread_id" jsonschema:"thread ID"`
	Timestamp         string        `json:"timestamp" jsonschema:"message timestamp"`
	From              EmailAddress  `json:"from" jsonschema:"sender information"`
	Subject           string        `json:"subject" jsonschema:"email subject"`
	Snippet           string        `json:"snippet" jsonschema:"message preview"`
	SentByUs          bool          `json:"sent_by_us" jsonschema:"whether the mailbox owner sent this message"`
	Status            string        `json:"status" jsonschema:"new, responded, sent or human_review"`
	HumanReviewReason string        `json:"human_review_reason,omitempty" jsonschema:"why the message needs a human"`
	Reply             *ReplySummary `json:"reply,omitempty" jsonschema:"generated reply"`
}

func summarize(m store.Message) MessageSummary {
	summary := MessageSummary{
		ID:                m.ID,
		ThreadID:          m.ThreadID,
		Timestamp:         m.Date.UTC().Format(time.RFC3339),
		From:              parseEmailAddress(m.From),
		Subject:           m.Subject,
		Snippet:           m.Snippet,
		SentByUs:          m.SentByUs,
		Status:            string(m.Status),
		HumanReviewReason: m.HumanReviewReason,
	}

	if m.Reply != nil {
		summary.Reply = &ReplySummary{
			Subject:       m.Reply.Subject,
			Body:          m.Reply.Body,
			SentMessageID: m.Reply.SentMessageID,
		}
		if !m.Reply.SentAt.IsZero() {
			summary.Reply.SentAt = m.Reply.SentAt.UTC().Format(time.RFC3339)
		}
	}

	return summary
}

func parseEmailAddress(from string) EmailAddress {
	addr := EmailAddress{}

	if idx := strings.Index(from, "<"); idx != -1 {
		addr.Name = strings.TrimSpace(from[:idx])
		if endIdx := strings.Index(from[idx:], ">"); endIdx != -1 {
			addr.Email = strings.TrimSpace(from[idx+1 : idx+endIdx])
		}
	} else {
		addr.Email = strings.TrimSpace(from)
	}

	addr.Name = strings.Trim(addr.Name, "\"")

	return addr
}

func parseStatus(s string) (store.Status, bool) {
	switch st := store.Status(strings.TrimSpace(s)); st {
	case "", store.StatusNew, store.StatusResponded, store.StatusSent, store.StatusHumanReview:
		return st, true
	default:
		return "", false
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 200 {
		return 200
	}
	return limit
}
