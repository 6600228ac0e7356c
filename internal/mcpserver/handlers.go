package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/filipc77/cowrite/internal/comments"
	"github.com/filipc77/cowrite/internal/delivery"
)

// WaitForCommentParams defines the input for wait_for_comment
type WaitForCommentParams struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty" jsonschema:"Maximum seconds to block before returning a timeout event"`
}

// ListCommentsParams defines the input for list_comments
type ListCommentsParams struct {
	File   string `json:"file,omitempty" jsonschema:"Only comments on this project-relative file"`
	Status string `json:"status,omitempty" jsonschema:"Filter by status: pending, answered, resolved or all"`
}

// ReplyToCommentParams defines the input for reply_to_comment
type ReplyToCommentParams struct {
	CommentID string `json:"comment_id" jsonschema:"Id of the comment to reply to"`
	Text      string `json:"text" jsonschema:"The reply text"`
}

// ProposeChangeParams defines the input for propose_change
type ProposeChangeParams struct {
	CommentID   string `json:"comment_id" jsonschema:"Id of the comment whose selected text should change"`
	NewText     string `json:"new_text" jsonschema:"Replacement for the comment's selected text"`
	Explanation string `json:"explanation" jsonschema:"Why the replacement addresses the comment"`
}

// ResolveCommentParams defines the input for resolve_comment
type ResolveCommentParams struct {
	CommentID string `json:"comment_id" jsonschema:"Id of the comment to resolve"`
}

// GetFileWithCommentsParams defines the input for get_file_with_comments
type GetFileWithCommentsParams struct {
	File string `json:"file" jsonschema:"Project-relative file to read"`
}

// waitEvent is the wire shape of a wait_for_comment outcome.
type waitEvent struct {
	Event        string            `json:"event"`
	Comment      *comments.Comment `json:"comment,omitempty"`
	FollowUp     string            `json:"followUp,omitempty"`
	PendingCount *int              `json:"pendingCount,omitempty"`
}

func (s *Server) handleWaitForComment(ctx context.Context, req *mcp.CallToolRequest, params WaitForCommentParams) (*mcp.CallToolResult, any, error) {
	if !s.waitSlot.TryAcquire() {
		return errorResult(fmt.Errorf("another wait_for_comment call is already blocked"))
	}
	defer s.waitSlot.Release()

	timeout := s.clampTimeout(params.TimeoutSeconds)
	log.Debug().Dur("timeout", timeout).Msg("wait_for_comment")

	res := s.waiter.Wait(ctx, timeout)

	out := waitEvent{Event: string(res.Kind)}
	switch res.Kind {
	case delivery.KindNewComment:
		out.Comment = res.Comment
	case delivery.KindFollowUp:
		out.Comment = res.Comment
		out.FollowUp = res.FollowUpText
	case delivery.KindTimeout:
		out.PendingCount = &res.PendingCount
	}
	return jsonResult(out)
}

func (s *Server) handleListComments(ctx context.Context, req *mcp.CallToolRequest, params ListCommentsParams) (*mcp.CallToolResult, any, error) {
	status := comments.Status(params.Status)
	switch status {
	case "", comments.StatusAll, comments.StatusPending, comments.StatusAnswered, comments.StatusResolved:
	default:
		return errorResult(fmt.Errorf("unknown status %q", params.Status))
	}
	list := s.store.List(comments.Filter{File: params.File, Status: status})
	return jsonResult(list)
}

func (s *Server) handleReplyToComment(ctx context.Context, req *mcp.CallToolRequest, params ReplyToCommentParams) (*mcp.CallToolResult, any, error) {
	if params.CommentID == "" {
		return nil, nil, fmt.Errorf("comment_id parameter is required")
	}
	if params.Text == "" {
		return nil, nil, fmt.Errorf("text parameter is required")
	}
	c, err := s.store.AddReply(params.CommentID, comments.OriginAgent, params.Text)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(c)
}

func (s *Server) handleProposeChange(ctx context.Context, req *mcp.CallToolRequest, params ProposeChangeParams) (*mcp.CallToolResult, any, error) {
	if params.CommentID == "" {
		return nil, nil, fmt.Errorf("comment_id parameter is required")
	}
	if params.NewText == "" {
		return nil, nil, fmt.Errorf("new_text parameter is required")
	}
	c, err := s.store.AddProposalReply(params.CommentID, params.NewText, params.Explanation)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(c)
}

func (s *Server) handleResolveComment(ctx context.Context, req *mcp.CallToolRequest, params ResolveCommentParams) (*mcp.CallToolResult, any, error) {
	if params.CommentID == "" {
		return nil, nil, fmt.Errorf("comment_id parameter is required")
	}
	c, err := s.store.Resolve(params.CommentID)
	if err != nil {
		return errorResult(err)
	}
	return jsonResult(c)
}

func (s *Server) handleGetFileWithComments(ctx context.Context, req *mcp.CallToolRequest, params GetFileWithCommentsParams) (*mcp.CallToolResult, any, error) {
	if params.File == "" {
		return nil, nil, fmt.Errorf("file parameter is required")
	}
	content, err := s.ws.Read(params.File)
	if err != nil {
		return errorResult(err)
	}
	annotated := comments.Annotate(content, s.store.ForFile(params.File))
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: annotated}},
	}, nil, nil
}

// jsonResult renders v as an indented JSON text block.
func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

// errorResult reports an operational failure to the agent as a tool error it
// can reason about, rather than failing the protocol call.
func errorResult(err error) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Error: %v", err)},
		},
		IsError: true,
	}, nil, nil
}
