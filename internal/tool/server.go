package tool

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hal9000y/gmail-autoreply/internal/store"
)

// NewServer creates an MCP server exposing the reply state for inspection.
func NewServer(repo store.Repository) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "gmail-autoreply", Version: "v1.0.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_messages",
		Description: "List tracked messages newest first, optionally filtered by reply status",
	}, NewListMessages(repo).ListMessages)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_thread",
		Description: "Get every tracked message of a thread with its reply decision",
	}, NewGetThread(repo).GetThread)

	return server
}
