package comments

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

// newTestStore builds a store with no persistence, deterministic ids (c1,
// c2, ...) and a clock that advances one second per call.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	var ids int
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	var ticks int
	return NewStore("", 0,
		WithIDGenerator(func() string {
			ids++
			return fmt.Sprintf("c%d", ids)
		}),
		WithClock(func() time.Time {
			ticks++
			return base.Add(time.Duration(ticks) * time.Second)
		}),
	)
}

func TestAddThenResolve(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 6, 5, "world", "should be uppercase")
	if c.Status != StatusPending {
		t.Fatalf("new comment status = %q, want %q", c.Status, StatusPending)
	}
	if c.ResolvedAt != nil {
		t.Fatalf("new comment has resolvedAt set")
	}

	got, err := s.Resolve(c.ID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Status != StatusResolved {
		t.Errorf("status = %q, want %q", got.Status, StatusResolved)
	}
	if got.ResolvedAt == nil {
		t.Errorf("resolvedAt is nil after resolve")
	}
}

func TestAddNormalizesWholeFileAnchor(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 42, 7, "", "overall: too long")
	if !c.WholeFile() {
		t.Fatalf("comment with empty selection is not whole-file")
	}
	if c.Offset != 0 || c.Length != 0 {
		t.Errorf("whole-file anchor = (%d, %d), want (0, 0)", c.Offset, c.Length)
	}
}

func TestReopenRequiresResolved(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(s *Store, id string)
		wantErr error
	}{
		{
			name:    "pending",
			prepare: func(s *Store, id string) {},
			wantErr: ErrNotResolved,
		},
		{
			name: "answered",
			prepare: func(s *Store, id string) {
				if _, err := s.AddReply(id, OriginAgent, "done"); err != nil {
					panic(err)
				}
			},
			wantErr: ErrNotResolved,
		},
		{
			name: "resolved",
			prepare: func(s *Store, id string) {
				if _, err := s.Resolve(id); err != nil {
					panic(err)
				}
			},
			wantErr: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			c := s.Add("doc.md", 0, 5, "hello", "check this")
			tt.prepare(s, c.ID)

			got, err := s.Reopen(c.ID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Reopen err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Reopen: %v", err)
			}
			if got.Status != StatusPending {
				t.Errorf("status = %q, want %q", got.Status, StatusPending)
			}
			if got.ResolvedAt != nil {
				t.Errorf("resolvedAt still set after reopen")
			}
		})
	}
}

func TestReplyTransitions(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 0, 5, "hello", "check this")

	var reopens int
	s.Events().OnReopened(func(*Comment) { reopens++ })

	// A user reply on a pending comment changes nothing.
	got, err := s.AddReply(c.ID, OriginUser, "still wrong")
	if err != nil {
		t.Fatalf("AddReply: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("after user reply on pending: status = %q, want %q", got.Status, StatusPending)
	}
	if reopens != 0 {
		t.Fatalf("user reply on pending emitted %d reopened events", reopens)
	}

	// An agent reply answers it.
	got, err = s.AddReply(c.ID, OriginAgent, "fixed in latest draft")
	if err != nil {
		t.Fatalf("AddReply: %v", err)
	}
	if got.Status != StatusAnswered {
		t.Fatalf("after agent reply: status = %q, want %q", got.Status, StatusAnswered)
	}

	// A user reply on an answered comment bounces it back, exactly one
	// reopened event.
	got, err = s.AddReply(c.ID, OriginUser, "no, read it again")
	if err != nil {
		t.Fatalf("AddReply: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("after user reply on answered: status = %q, want %q", got.Status, StatusPending)
	}
	if reopens != 1 {
		t.Fatalf("reopened events = %d, want 1", reopens)
	}

	// An agent reply never un-resolves.
	if _, err := s.Resolve(c.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, err = s.AddReply(c.ID, OriginAgent, "noted")
	if err != nil {
		t.Fatalf("AddReply: %v", err)
	}
	if got.Status != StatusResolved {
		t.Fatalf("after agent reply on resolved: status = %q, want %q", got.Status, StatusResolved)
	}
	if len(got.Replies) != 4 {
		t.Fatalf("replies = %d, want 4", len(got.Replies))
	}
}

func TestReplyRejectsUnknownOrigin(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 0, 5, "hello", "check this")
	if _, err := s.AddReply(c.ID, Origin("bot"), "hi"); err == nil {
		t.Fatal("AddReply accepted unknown origin")
	}
}

func TestAdjustOffsetsMovesAnchorAfterInsert(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 10, 5, "world", "note")

	oldContent := "hello hey world foo"
	newContent := "hello hey there world foo bar"
	s.AdjustOffsets("doc.md", oldContent, newContent)

	got, err := s.Get(c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Offset != 16 {
		t.Errorf("offset = %d, want 16", got.Offset)
	}
	if got.Length != 5 || got.SelectedText != "world" {
		t.Errorf("anchor = (%d, %q), want (5, %q)", got.Length, got.SelectedText, "world")
	}
}

func TestAdjustOffsetsLeavesValidAnchorAlone(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 0, 5, "Hello", "greeting")

	s.AdjustOffsets("doc.md", "Hello world", "Hello world and more")
	got, err := s.Get(c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Offset != 0 {
		t.Errorf("offset = %d, want 0", got.Offset)
	}
}

func TestAdjustOffsetsOrphansSilently(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 4, 3, "def", "naming")

	s.AdjustOffsets("doc.md", "abc def", "abc xyz")
	got, err := s.Get(c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Offset != 4 {
		t.Errorf("orphaned offset = %d, want unchanged 4", got.Offset)
	}
}

func TestAdjustOffsetsSkipsWholeFileAndOtherFiles(t *testing.T) {
	s := newTestStore(t)
	whole := s.Add("doc.md", 0, 0, "", "overall")
	other := s.Add("other.md", 2, 3, "def", "elsewhere")

	s.AdjustOffsets("doc.md", "abcdef", "XXabcdef")

	got, _ := s.Get(whole.ID)
	if got.Offset != 0 || got.Length != 0 {
		t.Errorf("whole-file anchor moved to (%d, %d)", got.Offset, got.Length)
	}
	got, _ = s.Get(other.ID)
	if got.Offset != 2 {
		t.Errorf("comment on other file moved to offset %d", got.Offset)
	}
}

func TestAdjustOffsetsEmitsOneChangeEvent(t *testing.T) {
	s := newTestStore(t)
	s.Add("doc.md", 0, 1, "a", "first")
	s.Add("doc.md", 2, 1, "c", "second")

	var changes []string
	s.Events().OnChange(func(file string) { changes = append(changes, file) })

	s.AdjustOffsets("doc.md", "abc", "xabc")
	if len(changes) != 1 || changes[0] != "doc.md" {
		t.Fatalf("change events = %v, want exactly one for doc.md", changes)
	}

	// Still exactly one even when the file has no comments at all.
	changes = nil
	s.AdjustOffsets("empty.md", "a", "b")
	if len(changes) != 1 || changes[0] != "empty.md" {
		t.Fatalf("change events = %v, want exactly one for empty.md", changes)
	}
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t)
	a := s.Add("a.md", 5, 3, "foo", "one")
	b := s.Add("a.md", 1, 3, "bar", "two")
	c := s.Add("b.md", 9, 3, "baz", "three")

	if _, err := s.AddReply(a.ID, OriginAgent, "done"); err != nil {
		t.Fatalf("AddReply: %v", err)
	}
	if _, err := s.Resolve(c.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	answered := s.List(Filter{Status: StatusAnswered})
	if len(answered) != 1 || answered[0].ID != a.ID {
		t.Fatalf("answered filter = %v, want just %s", ids(answered), a.ID)
	}

	all := s.List(Filter{Status: StatusAll})
	if len(all) != 3 {
		t.Fatalf("all filter returned %d comments, want 3", len(all))
	}

	onA := s.ForFile("a.md")
	if len(onA) != 2 {
		t.Fatalf("ForFile returned %d comments, want 2", len(onA))
	}
	if onA[0].ID != b.ID || onA[1].ID != a.ID {
		t.Errorf("ForFile order = %v, want offset-ascending [%s %s]", ids(onA), b.ID, a.ID)
	}
}

func TestListOrdersByOffset(t *testing.T) {
	s := newTestStore(t)
	s.Add("a.md", 30, 1, "x", "third")
	s.Add("a.md", 10, 1, "y", "first")
	s.Add("a.md", 20, 1, "z", "second")

	got := s.List(Filter{})
	for i := 1; i < len(got); i++ {
		if got[i-1].Offset > got[i].Offset {
			t.Fatalf("List not offset-ascending: %d before %d", got[i-1].Offset, got[i].Offset)
		}
	}
}

func TestDeleteThenOperate(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 0, 5, "hello", "check")

	if err := s.Delete(c.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete err = %v, want ErrNotFound", err)
	}
	if _, err := s.AddReply(c.ID, OriginUser, "hi"); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddReply after delete err = %v, want ErrNotFound", err)
	}
	if _, err := s.Resolve(c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve after delete err = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
}

func TestProposalOnWholeFileComment(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 0, 0, "", "overall: restructure")
	if _, err := s.AddProposalReply(c.ID, "new text", "try this"); !errors.Is(err, ErrFileComment) {
		t.Fatalf("AddProposalReply on whole-file err = %v, want ErrFileComment", err)
	}
}

func TestProposalLifecycle(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 6, 5, "world", "too informal")

	got, err := s.AddProposalReply(c.ID, "World", "capitalize it")
	if err != nil {
		t.Fatalf("AddProposalReply: %v", err)
	}
	if got.Status != StatusAnswered {
		t.Errorf("status after proposal = %q, want %q", got.Status, StatusAnswered)
	}
	if len(got.Replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(got.Replies))
	}
	reply := got.Replies[0]
	if reply.From != OriginAgent {
		t.Errorf("proposal reply origin = %q, want %q", reply.From, OriginAgent)
	}
	p := reply.Proposal
	if p == nil {
		t.Fatal("reply has no proposal")
	}
	if p.OldText != "world" || p.NewText != "World" || p.Status != ProposalPending {
		t.Errorf("proposal = %+v, want oldText=world newText=World status=pending", p)
	}

	// Applying re-anchors the comment onto the new text.
	got, err = s.UpdateProposalStatus(c.ID, reply.ID, ProposalApplied)
	if err != nil {
		t.Fatalf("UpdateProposalStatus: %v", err)
	}
	if got.SelectedText != "World" || got.Length != len("World") {
		t.Errorf("anchor after apply = (%q, %d), want (World, 5)", got.SelectedText, got.Length)
	}
	if got.Replies[0].Proposal.Status != ProposalApplied {
		t.Errorf("proposal status = %q, want %q", got.Replies[0].Proposal.Status, ProposalApplied)
	}
}

func TestProposalRejectLeavesAnchor(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 6, 5, "world", "too informal")
	got, err := s.AddProposalReply(c.ID, "World", "capitalize it")
	if err != nil {
		t.Fatalf("AddProposalReply: %v", err)
	}

	got, err = s.UpdateProposalStatus(c.ID, got.Replies[0].ID, ProposalRejected)
	if err != nil {
		t.Fatalf("UpdateProposalStatus: %v", err)
	}
	if got.SelectedText != "world" {
		t.Errorf("anchor changed on reject: %q", got.SelectedText)
	}
	if got.Replies[0].Proposal.Status != ProposalRejected {
		t.Errorf("proposal status = %q, want %q", got.Replies[0].Proposal.Status, ProposalRejected)
	}
}

func TestUpdateProposalStatusErrors(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 6, 5, "world", "note")
	if _, err := s.AddReply(c.ID, OriginAgent, "plain reply"); err != nil {
		t.Fatalf("AddReply: %v", err)
	}
	plain, _ := s.Get(c.ID)

	if _, err := s.UpdateProposalStatus("nope", "r1", ProposalApplied); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown comment err = %v, want ErrNotFound", err)
	}
	if _, err := s.UpdateProposalStatus(c.ID, "nope", ProposalApplied); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown reply err = %v, want ErrNotFound", err)
	}
	// A reply that exists but carries no proposal is also not found.
	if _, err := s.UpdateProposalStatus(c.ID, plain.Replies[0].ID, ProposalApplied); !errors.Is(err, ErrNotFound) {
		t.Errorf("plain reply err = %v, want ErrNotFound", err)
	}
	if _, err := s.UpdateProposalStatus(c.ID, plain.Replies[0].ID, ProposalStatus("maybe")); err == nil {
		t.Error("UpdateProposalStatus accepted invalid status")
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 6, 5, "world", "note")

	c.Body = "mutated"
	c.Status = StatusResolved

	got, err := s.Get(c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Body != "note" || got.Status != StatusPending {
		t.Fatalf("store state leaked through returned snapshot: %+v", got)
	}
}

func TestMutationVisibleImmediately(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 6, 5, "world", "note")
	if _, err := s.AddReply(c.ID, OriginAgent, "on it"); err != nil {
		t.Fatalf("AddReply: %v", err)
	}
	got := s.List(Filter{Status: StatusAnswered})
	if len(got) != 1 || len(got[0].Replies) != 1 {
		t.Fatalf("own mutation not visible to immediate List: %+v", got)
	}
}

func TestListenersCallBackIntoStore(t *testing.T) {
	s := newTestStore(t)

	var viaGet *Comment
	var viaList int
	s.Events().OnNewComment(func(c *Comment) {
		got, err := s.Get(c.ID)
		if err != nil {
			t.Errorf("Get from new-comment listener: %v", err)
			return
		}
		viaGet = got
	})
	s.Events().OnChange(func(file string) {
		viaList = len(s.List(Filter{File: file}))
	})

	done := make(chan *Comment, 1)
	go func() {
		done <- s.Add("doc.md", 6, 5, "world", "note")
	}()

	var added *Comment
	select {
	case added = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Add did not return while listeners read from the store")
	}
	if viaGet == nil || viaGet.ID != added.ID {
		t.Fatalf("new-comment listener read %+v, want comment %s", viaGet, added.ID)
	}
	if viaGet.Status != StatusPending {
		t.Errorf("listener saw status %q, want %q", viaGet.Status, StatusPending)
	}
	if viaList != 1 {
		t.Errorf("change listener counted %d comments, want 1", viaList)
	}
}

func TestReopenedListenerWritesToStore(t *testing.T) {
	s := newTestStore(t)
	c := s.Add("doc.md", 6, 5, "world", "note")
	if _, err := s.Resolve(c.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var sawPending bool
	s.Events().OnReopened(func(rc *Comment) {
		got, err := s.Get(rc.ID)
		if err != nil {
			t.Errorf("Get from reopened listener: %v", err)
			return
		}
		sawPending = got.Status == StatusPending
		if _, err := s.AddReply(rc.ID, OriginAgent, "picking this back up"); err != nil {
			t.Errorf("AddReply from reopened listener: %v", err)
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := s.Reopen(c.ID)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reopen: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reopen did not return while a listener wrote to the store")
	}
	if !sawPending {
		t.Error("reopened listener did not observe the pending status")
	}
	got, err := s.Get(c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusAnswered || len(got.Replies) != 1 {
		t.Fatalf("listener reply not applied: status=%q replies=%d", got.Status, len(got.Replies))
	}
}

func ids(list []*Comment) []string {
	out := make([]string, len(list))
	for i, c := range list {
		out[i] = c.ID
	}
	return out
}
