package umbrella

import (
	"context"
	"strings"
	"time"

	"github.com/agentworkforce/threadsync/internal/restapi"
	"github.com/agentworkforce/threadsync/internal/threaddb"
)

// Backend is the REST surface the store writes through. *restapi.HTTPClient
// implements it.
type Backend interface {
	GetAllThreads(ctx context.Context, roomID string, query threaddb.Query) (restapi.ThreadsPage, error)
	GetDelta(ctx context.Context, since time.Time) (restapi.DeltaResponse, error)
	CreateThread(ctx context.Context, correlationID, roomID string, req restapi.CreateThreadRequest) (threaddb.ThreadRecord, error)
	EditThreadMetadata(ctx context.Context, correlationID, roomID, threadID string, metadata map[string]any) (threaddb.ThreadRecord, error)
	MarkThreadResolved(ctx context.Context, correlationID, roomID, threadID string) (threaddb.ThreadRecord, error)
	MarkThreadUnresolved(ctx context.Context, correlationID, roomID, threadID string) (threaddb.ThreadRecord, error)
	DeleteThread(ctx context.Context, correlationID, roomID, threadID string) error
	CreateComment(ctx context.Context, correlationID, roomID, threadID string, req restapi.CreateCommentRequest) (threaddb.ThreadRecord, error)
	EditComment(ctx context.Context, correlationID, roomID, threadID, commentID string, req restapi.EditCommentRequest) (threaddb.ThreadRecord, error)
	DeleteComment(ctx context.Context, correlationID, roomID, threadID, commentID string) (threaddb.ThreadRecord, error)
	SubscribeToThread(ctx context.Context, correlationID, roomID, threadID string) (threaddb.ThreadSubscription, error)
	UnsubscribeFromThread(ctx context.Context, correlationID, roomID, threadID string) error
	MarkNotificationsRead(ctx context.Context, correlationID string, req restapi.MarkReadRequest) (restapi.MarkReadResponse, error)
}

var _ Backend = (*restapi.HTTPClient)(nil)

func (s *Store) view() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Store) liveThread(op, threadID string) (threaddb.ThreadRecord, error) {
	t, ok := s.view().Get(threadID)
	if !ok {
		return threaddb.ThreadRecord{}, s.local(op, ErrThreadNotFound)
	}
	return t, nil
}

func (s *Store) CreateThread(ctx context.Context, roomID, body string, metadata threaddb.Metadata) (threaddb.ThreadRecord, error) {
	const op = "create_thread"
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(body) == "" {
		return threaddb.ThreadRecord{}, s.local(op, ErrInvalidInput)
	}
	now := s.clock.Now()
	threadID := threaddb.NewThreadID()
	commentID := threaddb.NewCommentID()
	draft := threaddb.ThreadRecord{
		ID:        threadID,
		RoomID:    roomID,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  metadata.Clone(),
		Comments: []threaddb.CommentRecord{{
			ID:        commentID,
			ThreadID:  threadID,
			RoomID:    roomID,
			UserID:    s.userID,
			CreatedAt: now,
			Body:      body,
		}},
	}
	return run(ctx, s, mutation[threaddb.ThreadRecord]{
		op: op,
		effect: func(d *Draft) {
			d.Threads().Upsert(draft)
			d.Subscribe(threaddb.ThreadSubscription{ThreadID: threadID, CreatedAt: now})
		},
		send: func(ctx context.Context, correlationID string) (threaddb.ThreadRecord, error) {
			return s.backend.CreateThread(ctx, correlationID, roomID, restapi.CreateThreadRequest{
				ID:        threadID,
				CommentID: commentID,
				Body:      body,
				Metadata:  metadata,
			})
		},
		confirm: func(st *state, t threaddb.ThreadRecord) {
			st.threads.UpsertIfNewer(t)
			st.subscriptions[t.ID] = threaddb.ThreadSubscription{ThreadID: t.ID, CreatedAt: t.CreatedAt}
		},
	})
}

// EditThreadMetadata merges patch into the thread metadata. Nil values remove
// keys.
func (s *Store) EditThreadMetadata(ctx context.Context, threadID string, patch map[string]any) (threaddb.ThreadRecord, error) {
	const op = "edit_thread_metadata"
	t, err := s.liveThread(op, threadID)
	if err != nil {
		return threaddb.ThreadRecord{}, err
	}
	now := s.clock.Now()
	return run(ctx, s, mutation[threaddb.ThreadRecord]{
		op: op,
		effect: func(d *Draft) {
			applyThread(d.state, threadID, func(t *threaddb.ThreadRecord) {
				t.Metadata = patchMetadata(t.Metadata, patch)
				t.UpdatedAt = now
			})
		},
		send: func(ctx context.Context, correlationID string) (threaddb.ThreadRecord, error) {
			return s.backend.EditThreadMetadata(ctx, correlationID, t.RoomID, threadID, patch)
		},
		confirm: confirmThread,
	})
}

func (s *Store) MarkThreadResolved(ctx context.Context, threadID string) (threaddb.ThreadRecord, error) {
	return s.setResolved(ctx, "mark_thread_resolved", threadID, true)
}

func (s *Store) MarkThreadUnresolved(ctx context.Context, threadID string) (threaddb.ThreadRecord, error) {
	return s.setResolved(ctx, "mark_thread_unresolved", threadID, false)
}

func (s *Store) setResolved(ctx context.Context, op, threadID string, resolved bool) (threaddb.ThreadRecord, error) {
	t, err := s.liveThread(op, threadID)
	if err != nil {
		return threaddb.ThreadRecord{}, err
	}
	now := s.clock.Now()
	return run(ctx, s, mutation[threaddb.ThreadRecord]{
		op: op,
		effect: func(d *Draft) {
			applyThread(d.state, threadID, func(t *threaddb.ThreadRecord) {
				t.Resolved = resolved
				t.UpdatedAt = now
			})
		},
		send: func(ctx context.Context, correlationID string) (threaddb.ThreadRecord, error) {
			if resolved {
				return s.backend.MarkThreadResolved(ctx, correlationID, t.RoomID, threadID)
			}
			return s.backend.MarkThreadUnresolved(ctx, correlationID, t.RoomID, threadID)
		},
		confirm: confirmThread,
	})
}

// DeleteThread removes the thread and its inbox notification. Only the
// thread creator may delete it. Deleting an already deleted thread succeeds.
func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	const op = "delete_thread"
	t, ok := s.view().GetEvenIfDeleted(threadID)
	if !ok {
		return s.local(op, ErrThreadNotFound)
	}
	if t.IsDeleted() {
		return nil
	}
	if t.CreatorID() != s.userID {
		return s.local(op, ErrForbidden)
	}
	now := s.clock.Now()
	_, err := run(ctx, s, mutation[struct{}]{
		op: op,
		effect: func(d *Draft) {
			deleteThread(d.state, threadID, now)
		},
		send: func(ctx context.Context, correlationID string) (struct{}, error) {
			return struct{}{}, s.backend.DeleteThread(ctx, correlationID, t.RoomID, threadID)
		},
		confirm: func(st *state, _ struct{}) {
			deleteThread(st, threadID, now)
		},
		accept: restapi.IsNotFound,
	})
	return err
}

func (s *Store) CreateComment(ctx context.Context, threadID, body string) (threaddb.CommentRecord, error) {
	const op = "create_comment"
	if strings.TrimSpace(body) == "" {
		return threaddb.CommentRecord{}, s.local(op, ErrInvalidInput)
	}
	t, err := s.liveThread(op, threadID)
	if err != nil {
		return threaddb.CommentRecord{}, err
	}
	now := s.clock.Now()
	comment := threaddb.CommentRecord{
		ID:        threaddb.NewCommentID(),
		ThreadID:  threadID,
		RoomID:    t.RoomID,
		UserID:    s.userID,
		CreatedAt: now,
		Body:      body,
	}
	updated, err := run(ctx, s, mutation[threaddb.ThreadRecord]{
		op: op,
		effect: func(d *Draft) {
			applyThread(d.state, threadID, func(t *threaddb.ThreadRecord) {
				t.Comments = append(t.Comments, comment)
				t.UpdatedAt = now
			})
			d.Subscribe(threaddb.ThreadSubscription{ThreadID: threadID, CreatedAt: now})
		},
		send: func(ctx context.Context, correlationID string) (threaddb.ThreadRecord, error) {
			return s.backend.CreateComment(ctx, correlationID, t.RoomID, threadID, restapi.CreateCommentRequest{
				ID:   comment.ID,
				Body: body,
			})
		},
		confirm: func(st *state, t threaddb.ThreadRecord) {
			st.threads.UpsertIfNewer(t)
			if _, ok := st.subscriptions[t.ID]; !ok {
				st.subscriptions[t.ID] = threaddb.ThreadSubscription{ThreadID: t.ID, CreatedAt: now}
			}
		},
	})
	if err != nil {
		return threaddb.CommentRecord{}, err
	}
	if c, ok := updated.Comment(comment.ID); ok {
		return c, nil
	}
	return comment, nil
}

func (s *Store) authoredComment(op, threadID, commentID string) (threaddb.ThreadRecord, threaddb.CommentRecord, error) {
	t, err := s.liveThread(op, threadID)
	if err != nil {
		return t, threaddb.CommentRecord{}, err
	}
	c, ok := t.Comment(commentID)
	if !ok || c.DeletedAt != nil {
		return t, c, s.local(op, ErrCommentNotFound)
	}
	if c.UserID != s.userID {
		return t, c, s.local(op, ErrForbidden)
	}
	return t, c, nil
}

// EditComment replaces the body of a comment the current user wrote.
func (s *Store) EditComment(ctx context.Context, threadID, commentID, body string) (threaddb.CommentRecord, error) {
	const op = "edit_comment"
	if strings.TrimSpace(body) == "" {
		return threaddb.CommentRecord{}, s.local(op, ErrInvalidInput)
	}
	t, _, err := s.authoredComment(op, threadID, commentID)
	if err != nil {
		return threaddb.CommentRecord{}, err
	}
	now := s.clock.Now()
	updated, err := run(ctx, s, mutation[threaddb.ThreadRecord]{
		op: op,
		effect: func(d *Draft) {
			applyComment(d.state, threadID, commentID, now, func(c *threaddb.CommentRecord) {
				c.Body = body
				c.EditedAt = threaddb.TimePtr(now)
			})
		},
		send: func(ctx context.Context, correlationID string) (threaddb.ThreadRecord, error) {
			return s.backend.EditComment(ctx, correlationID, t.RoomID, threadID, commentID, restapi.EditCommentRequest{Body: body})
		},
		confirm: confirmThread,
	})
	if err != nil {
		return threaddb.CommentRecord{}, err
	}
	c, _ := updated.Comment(commentID)
	return c, nil
}

// DeleteComment soft-deletes a comment the current user wrote. Removing the
// last live comment deletes the thread.
func (s *Store) DeleteComment(ctx context.Context, threadID, commentID string) error {
	const op = "delete_comment"
	t, ok := s.view().GetEvenIfDeleted(threadID)
	if !ok {
		return s.local(op, ErrThreadNotFound)
	}
	if t.IsDeleted() {
		return nil
	}
	c, ok := t.Comment(commentID)
	if !ok {
		return s.local(op, ErrCommentNotFound)
	}
	if c.DeletedAt != nil {
		return nil
	}
	if c.UserID != s.userID {
		return s.local(op, ErrForbidden)
	}
	now := s.clock.Now()
	_, err := run(ctx, s, mutation[*threaddb.ThreadRecord]{
		op: op,
		effect: func(d *Draft) {
			deleteComment(d.state, threadID, commentID, now)
		},
		send: func(ctx context.Context, correlationID string) (*threaddb.ThreadRecord, error) {
			updated, err := s.backend.DeleteComment(ctx, correlationID, t.RoomID, threadID, commentID)
			if err != nil {
				return nil, err
			}
			return &updated, nil
		},
		confirm: func(st *state, updated *threaddb.ThreadRecord) {
			if updated == nil {
				deleteComment(st, threadID, commentID, now)
				return
			}
			st.threads.UpsertIfNewer(*updated)
			if stored, ok := st.threads.GetEvenIfDeleted(threadID); ok && stored.IsDeleted() {
				st.notifications.DeleteForThread(threadID)
			}
		},
		accept: restapi.IsNotFound,
	})
	return err
}

func (s *Store) SubscribeToThread(ctx context.Context, threadID string) (threaddb.ThreadSubscription, error) {
	const op = "subscribe_to_thread"
	t, err := s.liveThread(op, threadID)
	if err != nil {
		return threaddb.ThreadSubscription{}, err
	}
	if sub, ok := s.view().subscriptions[threadID]; ok {
		return sub, nil
	}
	now := s.clock.Now()
	return run(ctx, s, mutation[threaddb.ThreadSubscription]{
		op: op,
		effect: func(d *Draft) {
			d.Subscribe(threaddb.ThreadSubscription{ThreadID: threadID, CreatedAt: now})
		},
		send: func(ctx context.Context, correlationID string) (threaddb.ThreadSubscription, error) {
			return s.backend.SubscribeToThread(ctx, correlationID, t.RoomID, threadID)
		},
		confirm: func(st *state, sub threaddb.ThreadSubscription) {
			if sub.ThreadID == "" {
				sub = threaddb.ThreadSubscription{ThreadID: threadID, CreatedAt: now}
			}
			st.subscriptions[sub.ThreadID] = sub
		},
	})
}

func (s *Store) UnsubscribeFromThread(ctx context.Context, threadID string) error {
	const op = "unsubscribe_from_thread"
	t, err := s.liveThread(op, threadID)
	if err != nil {
		return err
	}
	if !s.view().IsSubscribed(threadID) {
		return nil
	}
	_, err = run(ctx, s, mutation[struct{}]{
		op: op,
		effect: func(d *Draft) {
			d.Unsubscribe(threadID)
		},
		send: func(ctx context.Context, correlationID string) (struct{}, error) {
			return struct{}{}, s.backend.UnsubscribeFromThread(ctx, correlationID, t.RoomID, threadID)
		},
		confirm: func(st *state, _ struct{}) {
			delete(st.subscriptions, threadID)
		},
		accept: restapi.IsNotFound,
	})
	return err
}

// MarkNotificationsRead marks the given notifications read. Ids that are
// already read are skipped; unknown ids fail the whole call.
func (s *Store) MarkNotificationsRead(ctx context.Context, ids ...string) error {
	const op = "mark_notifications_read"
	view := s.view()
	unread := make([]string, 0, len(ids))
	for _, id := range ids {
		n, ok := view.Notification(id)
		if !ok {
			return s.local(op, ErrNotificationNotFound)
		}
		if !n.IsRead() {
			unread = append(unread, id)
		}
	}
	if len(unread) == 0 {
		return nil
	}
	return s.markRead(ctx, op, unread, restapi.MarkReadRequest{IDs: unread})
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context) error {
	const op = "mark_all_notifications_read"
	unread := s.view().notifications.Unread()
	if len(unread) == 0 {
		return nil
	}
	ids := make([]string, 0, len(unread))
	for _, n := range unread {
		ids = append(ids, n.ID)
	}
	return s.markRead(ctx, op, ids, restapi.MarkReadRequest{All: true})
}

func (s *Store) markRead(ctx context.Context, op string, ids []string, req restapi.MarkReadRequest) error {
	now := s.clock.Now()
	_, err := run(ctx, s, mutation[restapi.MarkReadResponse]{
		op: op,
		effect: func(d *Draft) {
			for _, id := range ids {
				d.Notifications().MarkRead(id, now)
			}
		},
		send: func(ctx context.Context, correlationID string) (restapi.MarkReadResponse, error) {
			return s.backend.MarkNotificationsRead(ctx, correlationID, req)
		},
		confirm: func(st *state, resp restapi.MarkReadResponse) {
			readAt := resp.ReadAt
			if readAt.IsZero() {
				readAt = now
			}
			marked := resp.IDs
			if len(marked) == 0 {
				marked = ids
			}
			for _, id := range marked {
				st.notifications.MarkRead(id, readAt)
			}
		},
	})
	return err
}

// confirmThread folds a server response into the confirmed state. A delta
// merged while the request was in flight may already carry a newer record.
func confirmThread(st *state, t threaddb.ThreadRecord) {
	st.threads.UpsertIfNewer(t)
}

// applyThread rewrites a live thread in st. Missing or deleted threads are
// skipped so replayed effects tolerate server-side removals.
func applyThread(st *state, threadID string, fn func(t *threaddb.ThreadRecord)) {
	t, ok := st.threads.Get(threadID)
	if !ok {
		return
	}
	fn(&t)
	st.threads.Upsert(t)
}

func applyComment(st *state, threadID, commentID string, now time.Time, fn func(c *threaddb.CommentRecord)) {
	applyThread(st, threadID, func(t *threaddb.ThreadRecord) {
		for i := range t.Comments {
			if t.Comments[i].ID == commentID {
				fn(&t.Comments[i])
				t.UpdatedAt = now
				return
			}
		}
	})
}

func deleteThread(st *state, threadID string, at time.Time) {
	st.threads.Delete(threadID, at)
	st.notifications.DeleteForThread(threadID)
}

func deleteComment(st *state, threadID, commentID string, at time.Time) {
	applyComment(st, threadID, commentID, at, func(c *threaddb.CommentRecord) {
		c.DeletedAt = threaddb.TimePtr(at)
		c.Body = ""
	})
	if t, ok := st.threads.GetEvenIfDeleted(threadID); ok && t.IsDeleted() {
		st.notifications.DeleteForThread(threadID)
	}
}

func patchMetadata(base threaddb.Metadata, patch map[string]any) threaddb.Metadata {
	out := base.Clone()
	if out == nil {
		out = threaddb.Metadata{}
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
