package comments

import "errors"

var (
	// ErrNotFound indicates the referenced comment or reply does not exist.
	ErrNotFound = errors.New("comment not found")

	// ErrFileComment indicates a range-only operation was attempted against
	// a whole-file comment, which has no anchored span to operate on.
	ErrFileComment = errors.New("comment is not anchored to a text range")

	// ErrNotResolved indicates a reopen was attempted on a comment that is
	// not currently resolved.
	ErrNotResolved = errors.New("comment is not resolved")
)
