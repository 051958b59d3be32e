package threaddb

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

const (
	ThreadIDPrefix       = "th_"
	CommentIDPrefix      = "cm_"
	NotificationIDPrefix = "in_"
)

// NewID returns a prefixed ULID, so ids sort by creation time.
func NewID(prefix string) string {
	return prefix + strings.ToLower(ulid.Make().String())
}

func NewThreadID() string {
	return NewID(ThreadIDPrefix)
}

func NewCommentID() string {
	return NewID(CommentIDPrefix)
}

func NewNotificationID() string {
	return NewID(NotificationIDPrefix)
}
