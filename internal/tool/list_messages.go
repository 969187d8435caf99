package tool

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hal9000y/gmail-autoreply/internal/store"
)

type ListMessagesRequest struct {
	Status string `json:"status,omitempty" jsonschema:"only return messages in this status: new, responded, sent or human_review"`
	Limit  int    `json:"limit,omitempty" jsonschema:"max messages to return, newest first"`
}

type ListMessagesResponse struct {
	Messages     []MessageSummary `json:"messages" jsonschema:"array of message summaries"`
	TotalResults int              `json:"total_results" jsonschema:"number of messages returned"`
}

func NewListMessages(repo store.Repository) *ListMessages {
	return &ListMessages{
		repo: repo,
	}
}

// ListMessages lists tracked messages from the store.
type ListMessages struct {
	repo store.Repository
}

func (t *ListMessages) ListMessages(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input ListMessagesRequest,
) (*mcp.CallToolResult, ListMessagesResponse, error) {
	status, ok := parseStatus(input.Status)
	if !ok {
		return nil, ListMessagesResponse{}, fmt.Errorf("unknown status %q", input.Status)
	}

	res, err := t.List(status, normalizeLimit(input.Limit))
	if err != nil {
		return nil, ListMessagesResponse{}, err
	}

	return nil, res, nil
}

// List returns messages newest first. An empty status matches every message
// and a non-positive limit returns all of them.
func (t *ListMessages) List(status store.Status, limit int) (ListMessagesResponse, error) {
	st, err := t.repo.Load()
	if err != nil {
		return ListMessagesResponse{}, fmt.Errorf("repo.Load failed: %w", err)
	}

	messages := make([]MessageSummary, 0, len(st.Messages))
	for _, m := range st.ListByDateDesc() {
		if status != "" && m.Status != status {
			continue
		}
		messages = append(messages, summarize(m))
		if len(messages) == limit {
			break
		}
	}

	return ListMessagesResponse{
		Messages:     messages,
		TotalResults: len(messages),
	}, nil
}
