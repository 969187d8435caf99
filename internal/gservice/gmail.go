// Package gservice wraps the Gmail API calls the autoreply pipeline needs.
package gservice

import (
	"context"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const gmailUserID = "me"

// Headers requested with message metadata.
var metadataHeaders = []string{"From", "To", "Subject", "Date", "Message-ID", "Reply-To", "In-Reply-To", "References"}

type tokenSource interface {
	TokenSource(ctx context.Context) (oauth2.TokenSource, error)
}

func NewGmail(tok tokenSource) *GMail {
	return &GMail{
		tok: tok,
	}
}

type GMail struct {
	tok tokenSource
}

// ListRecentIDs returns ids of the most recent messages in the mailbox.
func (m *GMail) ListRecentIDs(ctx context.Context, maxResults int64) ([]string, error) {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return nil, fmt.Errorf("newSvc failed: %w", err)
	}

	result, err := svc.Users.Messages.List(gmailUserID).
		MaxResults(maxResults).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("messages.List failed: %w", err)
	}

	ids := make([]string, 0, len(result.Messages))
	for _, msg := range result.Messages {
		ids = append(ids, msg.Id)
	}

	return ids, nil
}

// GetMessageMetadata fetches snippet, thread, internal date and the threading headers of a message.
func (m *GMail) GetMessageMetadata(ctx context.Context, msgID string) (*gmail.Message, error) {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return nil, fmt.Errorf("newSvc failed: %w", err)
	}

	msg, err := svc.Users.Messages.Get(gmailUserID, msgID).
		Format("metadata").
		MetadataHeaders(metadataHeaders...).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("messages.Get failed: %w", err)
	}

	return msg, nil
}

// SendMessage sends an RFC 5322 message, attaching it to threadID when set.
func (m *GMail) SendMessage(ctx context.Context, raw []byte, threadID string) (*gmail.Message, error) {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return nil, fmt.Errorf("newSvc failed: %w", err)
	}

	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: threadID,
	}

	sent, err := svc.Users.Messages.Send(gmailUserID, msg).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("messages.Send failed: %w", err)
	}

	return sent, nil
}

// ProfileEmail returns the address of the authorized account.
func (m *GMail) ProfileEmail(ctx context.Context) (string, error) {
	svc, err := m.newSvc(ctx)
	if err != nil {
		return "", fmt.Errorf("newSvc failed: %w", err)
	}

	profile, err := svc.Users.GetProfile(gmailUserID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("users.GetProfile failed: %w", err)
	}

	return profile.EmailAddress, nil
}

func (m *GMail) newSvc(ctx context.Context) (*gmail.Service, error) {
	ts, err := m.tok.TokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("tok.TokenSource failed: %w", err)
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("gmail.NewService failed: %w", err)
	}

	return svc, nil
}
