package comments

import (
	"fmt"
	"sort"
	"strings"
)

// Annotate renders content with one inline marker directly after each
// comment's anchored span. Markers are inserted in descending offset order so
// earlier insertions cannot shift the spans still waiting their turn.
// Whole-file comments become header lines above the content instead of
// inline markers. Anchors pointing past the end of the content, which happens
// when reconciliation orphaned a comment, clamp to the end instead of being
// dropped.
func Annotate(content string, comments []*Comment) string {
	ranged := make([]*Comment, 0, len(comments))
	var whole []*Comment
	for _, c := range comments {
		if c.WholeFile() {
			whole = append(whole, c)
		} else {
			ranged = append(ranged, c)
		}
	}

	sort.Slice(ranged, func(i, j int) bool {
		if ranged[i].Offset != ranged[j].Offset {
			return ranged[i].Offset > ranged[j].Offset
		}
		return ranged[i].CreatedAt.After(ranged[j].CreatedAt)
	})
	out := content
	for _, c := range ranged {
		pos := c.Offset + c.Length
		if pos > len(content) {
			pos = len(content)
		}
		if pos < 0 {
			pos = 0
		}
		marker := fmt.Sprintf("[COMMENT #%s: %q]", c.ID, c.Body)
		out = out[:pos] + marker + out[pos:]
	}

	if len(whole) == 0 {
		return out
	}
	sortByCreation(whole)
	var b strings.Builder
	for _, c := range whole {
		fmt.Fprintf(&b, "[FILE COMMENT #%s: %q]\n", c.ID, c.Body)
	}
	b.WriteString(out)
	return b.String()
}
