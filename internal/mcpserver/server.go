// Package mcpserver exposes the comment engine to an agent over the Model
// Context Protocol on stdio: one blocking wait tool plus the non-blocking
// operations the agent uses around its wait loop.
package mcpserver

import (
	"context"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/filipc77/cowrite/internal/comments"
	"github.com/filipc77/cowrite/internal/concurrency"
	"github.com/filipc77/cowrite/internal/config"
	"github.com/filipc77/cowrite/internal/delivery"
	"github.com/filipc77/cowrite/internal/workspace"
)

// Server wires the store, workspace and waiter into MCP tools.
type Server struct {
	store       *comments.Store
	ws          *workspace.Workspace
	waiter      *delivery.Waiter
	defaultWait time.Duration

	// waitSlot keeps wait_for_comment single-consumer. The waiter's
	// delivery bookkeeping assumes one blocked agent at a time.
	waitSlot *concurrency.Slot

	srv *mcp.Server
}

// New creates the MCP server and registers all tools.
func New(store *comments.Store, ws *workspace.Workspace, waiter *delivery.Waiter, defaultWait time.Duration) *Server {
	s := &Server{
		store:       store,
		ws:          ws,
		waiter:      waiter,
		defaultWait: defaultWait,
		waitSlot:    concurrency.NewSlot(),
	}

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    "cowrite",
		Version: "v1.0.0",
	}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "wait_for_comment",
		Description: "Block until a comment needs attention. Returns a new_comment or follow_up event, or a timeout result with the current pending count. Call it in a loop: handle one event, then call again.",
	}, s.handleWaitForComment)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_comments",
		Description: "List comments without affecting delivery, optionally filtered by file and/or status (pending, answered, resolved, all).",
	}, s.handleListComments)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "reply_to_comment",
		Description: "Reply to a comment as the agent. Replying to a pending comment marks it answered.",
	}, s.handleReplyToComment)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "propose_change",
		Description: "Attach a replacement suggestion for the comment's selected text. The human applies or rejects it in the review UI.",
	}, s.handleProposeChange)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "resolve_comment",
		Description: "Mark a comment resolved once its concern is addressed.",
	}, s.handleResolveComment)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "get_file_with_comments",
		Description: "Read a file with inline [COMMENT #id] markers after each commented span, so comment anchors are visible in context.",
	}, s.handleGetFileWithComments)

	s.srv = srv
	return s
}

// Run serves MCP over stdio until ctx is cancelled or the client hangs up.
func (s *Server) Run(ctx context.Context) error {
	log.Info().Msg("mcp server starting on stdio")
	return s.srv.Run(ctx, &mcp.StdioTransport{})
}

// clampTimeout turns the caller's timeout_seconds into a bounded duration.
func (s *Server) clampTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return s.defaultWait
	}
	d := time.Duration(seconds) * time.Second
	if d > config.MaxWaitTimeout {
		return config.MaxWaitTimeout
	}
	return d
}
