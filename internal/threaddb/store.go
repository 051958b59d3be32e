package threaddb

import (
	"iter"
	"maps"
	"slices"
	"time"
)

type Direction string

const (
	// Ascending walks threads by creation time, oldest first.
	Ascending Direction = "asc"
	// Descending walks threads by last update, most recent first.
	Descending Direction = "desc"
)

func ParseDirection(raw string) (Direction, bool) {
	switch Direction(raw) {
	case "", Ascending:
		return Ascending, true
	case Descending:
		return Descending, true
	default:
		return "", false
	}
}

// ThreadStore is the keyed collection of thread records with two ordered
// views over the records that are not soft-deleted. It is not safe for
// concurrent mutation; owners serialize writes.
type ThreadStore struct {
	threads   map[string]ThreadRecord
	mapShared bool
	asc       *SortedIndex[ThreadRecord]
	desc      *SortedIndex[ThreadRecord]
	version   uint64
	now       func() time.Time
}

func createdAscending(a, b ThreadRecord) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func updatedDescending(a, b ThreadRecord) bool {
	if a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.ID > b.ID
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

func threadKey(t ThreadRecord) string {
	return t.ID
}

// NewThreadStore builds an empty store. now supplies the timestamp used when
// sanitization has to synthesize a deletion; nil means time.Now.
func NewThreadStore(now func() time.Time) *ThreadStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ThreadStore{
		threads: map[string]ThreadRecord{},
		asc:     NewSortedIndex(createdAscending, threadKey),
		desc:    NewSortedIndex(updatedDescending, threadKey),
		now:     now,
	}
}

func (s *ThreadStore) Version() uint64 {
	return s.version
}

// Len counts every record, deleted or not.
func (s *ThreadStore) Len() int {
	return len(s.threads)
}

// Get returns a copy of the record only when it is not soft-deleted.
func (s *ThreadStore) Get(id string) (ThreadRecord, bool) {
	t, ok := s.threads[id]
	if !ok || t.IsDeleted() {
		return ThreadRecord{}, false
	}
	return t.Clone(), true
}

func (s *ThreadStore) GetEvenIfDeleted(id string) (ThreadRecord, bool) {
	t, ok := s.threads[id]
	if !ok {
		return ThreadRecord{}, false
	}
	return t.Clone(), true
}

// Upsert sanitizes t and replaces any prior record with the same id. Records
// that are already soft-deleted are never replaced, and identical content
// leaves the version alone. It reports whether the store changed.
func (s *ThreadStore) Upsert(t ThreadRecord) bool {
	if t.ID == "" {
		return false
	}
	existing, ok := s.threads[t.ID]
	if ok && existing.IsDeleted() {
		return false
	}
	record := Sanitize(t, s.now())
	if ok && existing.Equal(record) {
		return false
	}

	s.ownMap()
	if ok {
		s.asc.Remove(existing)
		s.desc.Remove(existing)
	}
	s.threads[record.ID] = record
	if !record.IsDeleted() {
		s.asc.Add(record)
		s.desc.Add(record)
	}
	s.version++
	return true
}

// UpsertIfNewer applies t unless the stored record was updated after it.
func (s *ThreadStore) UpsertIfNewer(t ThreadRecord) bool {
	if existing, ok := s.threads[t.ID]; ok && t.UpdatedAt.Before(existing.UpdatedAt) {
		return false
	}
	return s.Upsert(t)
}

// Delete soft-deletes the thread at deletedAt. Unknown and already deleted
// ids are left alone, so the first deletion wins.
func (s *ThreadStore) Delete(id string, deletedAt time.Time) bool {
	existing, ok := s.threads[id]
	if !ok || existing.IsDeleted() {
		return false
	}
	deleted := existing
	deleted.DeletedAt = TimePtr(deletedAt.UTC())
	deleted.UpdatedAt = deletedAt.UTC()
	deleted.Comments = []CommentRecord{}
	return s.Upsert(deleted)
}

// Find yields the live threads of roomID ("" for every room) matching q, in
// the order selected by dir.
func (s *ThreadStore) Find(roomID string, q Query, dir Direction) iter.Seq[ThreadRecord] {
	index := s.asc
	if dir == Descending {
		index = s.desc
	}
	return index.Filter(And(RoomPredicate(roomID), Compile(q)))
}

// FindMany collects Find into private copies that callers may modify.
func (s *ThreadStore) FindMany(roomID string, q Query, dir Direction) []ThreadRecord {
	out := []ThreadRecord{}
	for t := range s.Find(roomID, q, dir) {
		out = append(out, t.Clone())
	}
	return out
}

// All yields every record, including soft-deleted ones, in id order.
func (s *ThreadStore) All() iter.Seq[ThreadRecord] {
	ids := slices.Sorted(maps.Keys(s.threads))
	threads := s.threads
	return func(yield func(ThreadRecord) bool) {
		for _, id := range ids {
			if !yield(threads[id]) {
				return
			}
		}
	}
}

// Clone returns an independent store. The copy shares storage with s until
// either side writes.
func (s *ThreadStore) Clone() *ThreadStore {
	s.mapShared = true
	return &ThreadStore{
		threads:   s.threads,
		mapShared: true,
		asc:       s.asc.Clone(),
		desc:      s.desc.Clone(),
		version:   s.version,
		now:       s.now,
	}
}

// Restore replaces the content of s with records and pins the version. It is
// used when rehydrating persisted state.
func (s *ThreadStore) Restore(records []ThreadRecord, version uint64) {
	s.threads = make(map[string]ThreadRecord, len(records))
	s.mapShared = false
	s.asc = NewSortedIndex(createdAscending, threadKey)
	s.desc = NewSortedIndex(updatedDescending, threadKey)
	for _, r := range records {
		if r.ID == "" {
			continue
		}
		record := Sanitize(r, s.now())
		if prior, ok := s.threads[record.ID]; ok && !prior.IsDeleted() {
			s.asc.Remove(prior)
			s.desc.Remove(prior)
		}
		s.threads[record.ID] = record
		if !record.IsDeleted() {
			s.asc.Add(record)
			s.desc.Add(record)
		}
	}
	s.version = version
}

func (s *ThreadStore) ownMap() {
	if !s.mapShared {
		return
	}
	s.threads = maps.Clone(s.threads)
	s.mapShared = false
}
