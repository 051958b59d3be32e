package threaddb

import "time"

// Sanitize returns a private copy of t that satisfies the record invariants:
// a deleted thread carries no comments, and a thread without live comments is
// deleted as of now.
func Sanitize(t ThreadRecord, now time.Time) ThreadRecord {
	out := t.Clone()
	out.Metadata = normalizeMetadata(out.Metadata)
	if out.DeletedAt == nil && out.LiveComments() == 0 {
		out.DeletedAt = TimePtr(now.UTC())
	}
	if out.DeletedAt != nil {
		out.Comments = []CommentRecord{}
	}
	if out.Comments == nil {
		out.Comments = []CommentRecord{}
	}
	return out
}
