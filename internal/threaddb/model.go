package threaddb

import (
	"time"
)

// Metadata is a flat mapping of string keys to string, number or boolean
// values. Numbers are normalized to float64 when a record enters a store.
type Metadata map[string]any

type ThreadRecord struct {
	ID        string          `json:"id"`
	RoomID    string          `json:"roomId"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	DeletedAt *time.Time      `json:"deletedAt,omitempty"`
	Resolved  bool            `json:"resolved"`
	Metadata  Metadata        `json:"metadata"`
	Comments  []CommentRecord `json:"comments"`
}

type CommentRecord struct {
	ID        string     `json:"id"`
	ThreadID  string     `json:"threadId"`
	RoomID    string     `json:"roomId"`
	UserID    string     `json:"userId"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	Body      string     `json:"body"`
	Metadata  Metadata   `json:"metadata,omitempty"`
}

// DeletionMarker announces that a thread was deleted server side.
type DeletionMarker struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	DeletedAt time.Time `json:"deletedAt"`
}

type InboxNotification struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	ThreadID   string     `json:"threadId"`
	RoomID     string     `json:"roomId"`
	NotifiedAt time.Time  `json:"notifiedAt"`
	ReadAt     *time.Time `json:"readAt,omitempty"`
}

type NotificationDeletion struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deletedAt"`
}

type ThreadSubscription struct {
	ThreadID  string    `json:"threadId"`
	CreatedAt time.Time `json:"createdAt"`
}

const NotificationKindThread = "thread"

func (t ThreadRecord) IsDeleted() bool {
	return t.DeletedAt != nil
}

// CreatorID is the author of the first comment, which is the thread owner.
func (t ThreadRecord) CreatorID() string {
	if len(t.Comments) == 0 {
		return ""
	}
	return t.Comments[0].UserID
}

func (t ThreadRecord) Comment(id string) (CommentRecord, bool) {
	for _, c := range t.Comments {
		if c.ID == id {
			return c, true
		}
	}
	return CommentRecord{}, false
}

// LiveComments counts comments without a deletion timestamp.
func (t ThreadRecord) LiveComments() int {
	count := 0
	for _, c := range t.Comments {
		if c.DeletedAt == nil {
			count++
		}
	}
	return count
}

// Clone returns a deep copy that shares no slices or maps with t.
func (t ThreadRecord) Clone() ThreadRecord {
	out := t
	out.DeletedAt = copyTime(t.DeletedAt)
	out.Metadata = t.Metadata.Clone()
	if t.Comments != nil {
		out.Comments = make([]CommentRecord, len(t.Comments))
		for i, c := range t.Comments {
			out.Comments[i] = c.Clone()
		}
	}
	return out
}

// Equal reports whether t and o carry the same content.
func (t ThreadRecord) Equal(o ThreadRecord) bool {
	if t.ID != o.ID || t.RoomID != o.RoomID || t.Resolved != o.Resolved ||
		!t.CreatedAt.Equal(o.CreatedAt) || !t.UpdatedAt.Equal(o.UpdatedAt) ||
		!timesEqual(t.DeletedAt, o.DeletedAt) || !t.Metadata.Equal(o.Metadata) ||
		len(t.Comments) != len(o.Comments) {
		return false
	}
	for i := range t.Comments {
		if !t.Comments[i].Equal(o.Comments[i]) {
			return false
		}
	}
	return true
}

func (c CommentRecord) Equal(o CommentRecord) bool {
	return c.ID == o.ID && c.ThreadID == o.ThreadID && c.RoomID == o.RoomID &&
		c.UserID == o.UserID && c.Body == o.Body && c.CreatedAt.Equal(o.CreatedAt) &&
		timesEqual(c.EditedAt, o.EditedAt) && timesEqual(c.DeletedAt, o.DeletedAt) &&
		c.Metadata.Equal(o.Metadata)
}

func (c CommentRecord) Clone() CommentRecord {
	out := c
	out.EditedAt = copyTime(c.EditedAt)
	out.DeletedAt = copyTime(c.DeletedAt)
	out.Metadata = c.Metadata.Clone()
	return out
}

func (n InboxNotification) Clone() InboxNotification {
	out := n
	out.ReadAt = copyTime(n.ReadAt)
	return out
}

func (n InboxNotification) Equal(o InboxNotification) bool {
	return n.ID == o.ID && n.Kind == o.Kind && n.ThreadID == o.ThreadID && n.RoomID == o.RoomID &&
		n.NotifiedAt.Equal(o.NotifiedAt) && timesEqual(n.ReadAt, o.ReadAt)
}

func (n InboxNotification) IsRead() bool {
	return n.ReadAt != nil
}

func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal compares values the way query filters do: numbers by value, and any
// other kind is never equal.
func (m Metadata) Equal(o Metadata) bool {
	if len(m) != len(o) {
		return false
	}
	for k, v := range m {
		w, ok := o[k]
		if !ok || !valuesEqual(v, w) {
			return false
		}
	}
	return true
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr is a small helper for optional timestamps.
func TimePtr(t time.Time) *time.Time {
	return &t
}
