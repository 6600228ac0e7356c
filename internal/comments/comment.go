// Package comments owns the inline-comment entities, their review lifecycle,
// and the reconciliation of their anchors as file content changes underneath
// them. All mutation goes through the Store; everything handed out is a copy.
package comments

import "time"

// Status tracks where a comment sits in its review lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAnswered Status = "answered"
	StatusResolved Status = "resolved"
)

// StatusAll is the wildcard accepted by List in place of a concrete status.
const StatusAll Status = "all"

// Origin identifies which side of the collaboration wrote a reply.
type Origin string

const (
	OriginUser  Origin = "user"
	OriginAgent Origin = "agent"
)

// ProposalStatus tracks a suggested replacement's own lifecycle, independent
// of the parent comment's status.
type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalApplied  ProposalStatus = "applied"
	ProposalRejected ProposalStatus = "rejected"
)

// Proposal is an agent-suggested replacement for a comment's selected text.
type Proposal struct {
	OldText     string         `json:"oldText"`
	NewText     string         `json:"newText"`
	Explanation string         `json:"explanation"`
	Status      ProposalStatus `json:"status"`
}

// Reply is a single message attached to a comment. Replies are append-only;
// once written, nothing but the proposal status ever changes. At most one
// proposal rides along, and only on agent replies.
type Reply struct {
	ID        string    `json:"id"`
	From      Origin    `json:"from"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Proposal  *Proposal `json:"proposal,omitempty"`
}

// Comment is an annotation anchored to a span of text in one file. Offset and
// Length describe the half-open byte range [Offset, Offset+Length) into the
// file's current UTF-8 content; SelectedText is the substring captured when
// the comment was created and is the search key for re-anchoring. A comment
// with empty SelectedText is a whole-file comment: it carries Offset=0,
// Length=0 and is exempt from re-anchoring.
type Comment struct {
	ID           string     `json:"id"`
	File         string     `json:"file"`
	Offset       int        `json:"offset"`
	Length       int        `json:"length"`
	SelectedText string     `json:"selectedText"`
	Body         string     `json:"comment"`
	Status       Status     `json:"status"`
	Replies      []Reply    `json:"replies"`
	CreatedAt    time.Time  `json:"createdAt"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
}

// WholeFile reports whether the comment targets the document as a whole
// rather than a text range.
func (c *Comment) WholeFile() bool {
	return c.SelectedText == ""
}

// LastUserReply returns the most recent reply written by the user, or nil.
func (c *Comment) LastUserReply() *Reply {
	for i := len(c.Replies) - 1; i >= 0; i-- {
		if c.Replies[i].From == OriginUser {
			return &c.Replies[i]
		}
	}
	return nil
}

// clone deep-copies the comment so callers can never mutate store-owned state.
func (c *Comment) clone() *Comment {
	out := *c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		out.ResolvedAt = &t
	}
	out.Replies = make([]Reply, len(c.Replies))
	copy(out.Replies, c.Replies)
	for i := range out.Replies {
		if p := out.Replies[i].Proposal; p != nil {
			cp := *p
			out.Replies[i].Proposal = &cp
		}
	}
	return &out
}
