package restapi

import (
	"time"

	"github.com/agentworkforce/threadsync/internal/threaddb"
)

type ThreadsRequest struct {
	RoomID string
	Query  threaddb.Query
	Cursor string
	Limit  int
}

type ThreadsPage struct {
	Threads            []threaddb.ThreadRecord       `json:"threads"`
	InboxNotifications []threaddb.InboxNotification  `json:"inboxNotifications"`
	Subscriptions      []threaddb.ThreadSubscription `json:"subscriptions"`
	NextCursor         *string                       `json:"nextCursor"`
	RequestedAt        time.Time                     `json:"requestedAt"`
}

type DeltaResponse struct {
	threaddb.Delta
	Subscriptions        []threaddb.ThreadSubscription `json:"subscriptions"`
	DeletedSubscriptions []string                      `json:"deletedSubscriptions"`
	RequestedAt          time.Time                     `json:"requestedAt"`
}

type CreateThreadRequest struct {
	ID        string            `json:"id"`
	CommentID string            `json:"commentId"`
	Body      string            `json:"body"`
	Metadata  threaddb.Metadata `json:"metadata,omitempty"`
}

// EditMetadataRequest patches thread metadata. A nil value removes the key.
type EditMetadataRequest struct {
	Metadata map[string]any `json:"metadata"`
}

type CreateCommentRequest struct {
	ID   string `json:"id"`
	Body string `json:"body"`
}

type EditCommentRequest struct {
	Body string `json:"body"`
}

type MarkReadRequest struct {
	IDs []string `json:"ids,omitempty"`
	All bool     `json:"all,omitempty"`
}

type MarkReadResponse struct {
	IDs    []string  `json:"ids"`
	ReadAt time.Time `json:"readAt"`
}

type InboxResponse struct {
	InboxNotifications []threaddb.InboxNotification `json:"inboxNotifications"`
}

type ErrorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
}

// ChangeEvent is pushed on the change feed whenever server state moves.
type ChangeEvent struct {
	Type    string    `json:"type"`
	RoomID  string    `json:"roomId,omitempty"`
	At      time.Time `json:"at"`
	Version uint64    `json:"version"`
}
