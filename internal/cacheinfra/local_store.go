package cacheinfra

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// LocalEntry is a single payload held by the local tier.
type LocalEntry struct {
	Value     []byte
	CreatedAt time.Time
	// ExpiresAt is zero for entries without a TTL.
	ExpiresAt time.Time
	Size      int
}

func (e LocalEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

type localSet struct {
	members   map[string]struct{}
	expiresAt time.Time
}

func (s localSet) expired(now time.Time) bool {
	return !s.expiresAt.IsZero() && !now.Before(s.expiresAt)
}

// LocalStore is the in-process tier. Expiry is lazy: entries are checked and
// evicted when read or listed, there is no background sweep.
type LocalStore struct {
	entries *xsync.MapOf[string, LocalEntry]
	sets    *xsync.MapOf[string, localSet]
	now     func() time.Time
}

// NewLocalStore creates an empty local tier.
func NewLocalStore() *LocalStore {
	return &LocalStore{
		entries: xsync.NewMapOf[string, LocalEntry](),
		sets:    xsync.NewMapOf[string, localSet](),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests to step past TTLs.
func (s *LocalStore) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// Get returns the payload for key, evicting it if it has lapsed.
func (s *LocalStore) Get(key string) ([]byte, bool) {
	entry, ok := s.Entry(key)
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// Entry returns the stored entry with its metadata.
func (s *LocalStore) Entry(key string) (LocalEntry, bool) {
	entry, ok := s.entries.Load(key)
	if !ok {
		return LocalEntry{}, false
	}
	if entry.expired(s.now()) {
		s.evictIfExpired(key)
		return LocalEntry{}, false
	}
	return entry, true
}

// evictIfExpired deletes key only if the stored entry is still the lapsed
// one, so a concurrent overwrite is not lost.
func (s *LocalStore) evictIfExpired(key string) {
	now := s.now()
	s.entries.Compute(key, func(old LocalEntry, loaded bool) (LocalEntry, bool) {
		if !loaded {
			return old, true
		}
		return old, old.expired(now)
	})
}

// Set stores value under key. A ttl <= 0 stores the entry without expiry.
func (s *LocalStore) Set(key string, value []byte, ttl time.Duration) {
	now := s.now()
	entry := LocalEntry{
		Value:     value,
		CreatedAt: now,
		Size:      len(value),
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}
	s.entries.Store(key, entry)
}

// Delete removes keys from the entry and set maps and reports how many existed.
func (s *LocalStore) Delete(keys ...string) int {
	removed := 0
	for _, key := range keys {
		if _, ok := s.entries.LoadAndDelete(key); ok {
			removed++
		}
		if _, ok := s.sets.LoadAndDelete(key); ok {
			removed++
		}
	}
	return removed
}

// Update atomically replaces the payload under key. fn receives the current
// live payload (nil, false when absent or lapsed) and returns the new one.
// The previous expiry is kept when the entry was live.
func (s *LocalStore) Update(key string, fn func(old []byte, ok bool) ([]byte, error)) ([]byte, error) {
	var (
		result []byte
		fnErr  error
	)
	now := s.now()
	s.entries.Compute(key, func(old LocalEntry, loaded bool) (LocalEntry, bool) {
		live := loaded && !old.expired(now)
		var current []byte
		if live {
			current = old.Value
		}
		next, err := fn(current, live)
		if err != nil {
			fnErr = err
			if !loaded {
				return old, true
			}
			return old, old.expired(now)
		}
		result = next
		entry := LocalEntry{Value: next, CreatedAt: now, Size: len(next)}
		if live {
			entry.CreatedAt = old.CreatedAt
			entry.ExpiresAt = old.ExpiresAt
		}
		return entry, false
	})
	return result, fnErr
}

// Keys lists live keys in sorted order, evicting lapsed entries on the way.
func (s *LocalStore) Keys() []string {
	now := s.now()
	keys := make([]string, 0, s.entries.Size())
	var lapsed []string
	s.entries.Range(func(key string, entry LocalEntry) bool {
		if entry.expired(now) {
			lapsed = append(lapsed, key)
			return true
		}
		keys = append(keys, key)
		return true
	})
	for _, key := range lapsed {
		s.evictIfExpired(key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored entries, lapsed or not.
func (s *LocalStore) Len() int {
	return s.entries.Size()
}

// Bytes returns the summed payload size of all stored entries.
func (s *LocalStore) Bytes() int64 {
	var total int64
	s.entries.Range(func(_ string, entry LocalEntry) bool {
		total += int64(entry.Size)
		return true
	})
	return total
}

// Clear drops every entry and set.
func (s *LocalStore) Clear() {
	s.entries.Clear()
	s.sets.Clear()
}

// SAdd adds members to the set under key. The set lives at least as long as
// ttl and a ttl <= 0 makes it persistent. An existing expiry is never
// shortened.
func (s *LocalStore) SAdd(key string, ttl time.Duration, members ...string) int {
	added := 0
	now := s.now()
	s.sets.Compute(key, func(old localSet, loaded bool) (localSet, bool) {
		live := loaded && !old.expired(now)
		next := localSet{members: make(map[string]struct{}, len(members))}
		if live {
			for m := range old.members {
				next.members[m] = struct{}{}
			}
		}
		for _, m := range members {
			if _, exists := next.members[m]; !exists {
				next.members[m] = struct{}{}
				added++
			}
		}
		switch {
		case ttl <= 0:
		case !live:
			next.expiresAt = now.Add(ttl)
		case !old.expiresAt.IsZero():
			next.expiresAt = old.expiresAt
			if deadline := now.Add(ttl); deadline.After(next.expiresAt) {
				next.expiresAt = deadline
			}
		}
		return next, false
	})
	return added
}

// SRem removes members from the set under key. Empty sets are dropped.
func (s *LocalStore) SRem(key string, members ...string) int {
	removed := 0
	now := s.now()
	s.sets.Compute(key, func(old localSet, loaded bool) (localSet, bool) {
		if !loaded || old.expired(now) {
			return old, true
		}
		next := localSet{members: make(map[string]struct{}, len(old.members)), expiresAt: old.expiresAt}
		for m := range old.members {
			next.members[m] = struct{}{}
		}
		for _, m := range members {
			if _, exists := next.members[m]; exists {
				delete(next.members, m)
				removed++
			}
		}
		return next, len(next.members) == 0
	})
	return removed
}

// SMembers returns the sorted members of the set under key.
func (s *LocalStore) SMembers(key string) []string {
	set, ok := s.sets.Load(key)
	if !ok {
		return nil
	}
	if set.expired(s.now()) {
		s.sets.Delete(key)
		return nil
	}
	members := make([]string, 0, len(set.members))
	for m := range set.members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members
}
