package tool

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hal9000y/gmail-autoreply/internal/store"
)

// GetThreadRequest identifies the thread to retrieve.
type GetThreadRequest struct {
	ThreadID string `json:"thread_id" jsonschema:"thread ID"`
}

// GetThreadResponse contains a thread in chronological order.
type GetThreadResponse struct {
	ThreadID string           `json:"thread_id" jsonschema:"thread ID"`
	Messages []MessageSummary `json:"messages" jsonschema:"thread messages, oldest first"`
}

// NewGetThread creates a new GetThread tool.
func NewGetThread(repo store.Repository) *GetThread {
	return &GetThread{
		repo: repo,
	}
}

// GetThread returns every tracked message of a thread.
type GetThread struct {
	repo store.Repository
}

// GetThread retrieves the thread with its reply decisions.
func (t *GetThread) GetThread(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input GetThreadRequest,
) (*mcp.CallToolResult, GetThreadResponse, error) {
	if input.ThreadID == "" {
		return nil, GetThreadResponse{}, errors.New("thread_id is required")
	}

	st, err := t.repo.Load()
	if err != nil {
		return nil, GetThreadResponse{}, fmt.Errorf("repo.Load failed: %w", err)
	}

	msgs := st.ThreadMessages(input.ThreadID)
	if len(msgs) == 0 {
		return nil, GetThreadResponse{}, fmt.Errorf("thread %s not found", input.ThreadID)
	}

	messages := make([]MessageSummary, 0, len(msgs))
	for _, m := range msgs {
		messages = append(messages, summarize(m))
	}

	return nil, GetThreadResponse{
		ThreadID: input.ThreadID,
		Messages: messages,
	}, nil
}
