package threaddb

// Delta is a batch of server changes since a sync point.
type Delta struct {
	Upserts               []ThreadRecord         `json:"threads"`
	Deletions             []DeletionMarker       `json:"deletedThreads"`
	Notifications         []InboxNotification    `json:"inboxNotifications"`
	NotificationDeletions []NotificationDeletion `json:"deletedInboxNotifications"`
}

func (d Delta) IsEmpty() bool {
	return len(d.Upserts) == 0 && len(d.Deletions) == 0 &&
		len(d.Notifications) == 0 && len(d.NotificationDeletions) == 0
}

// ApplyDelta merges the thread part of d into s. Upserts go first so a thread
// that was both updated and deleted in the same batch ends up deleted.
// Deletions of threads this store never saw are ignored. It reports whether
// the store version moved.
func ApplyDelta(s *ThreadStore, d Delta) bool {
	before := s.Version()
	for _, t := range d.Upserts {
		s.UpsertIfNewer(t)
	}
	for _, m := range d.Deletions {
		s.Delete(m.ID, m.DeletedAt)
	}
	return s.Version() != before
}

// ApplyNotificationDelta merges the notification part of d into n.
func ApplyNotificationDelta(n *NotificationStore, d Delta) bool {
	before := n.Version()
	for _, in := range d.Notifications {
		n.UpsertIfNewer(in)
	}
	for _, del := range d.NotificationDeletions {
		n.Delete(del.ID)
	}
	return n.Version() != before
}
