package syncer

import (
	"container/list"
	"sync"
	"time"
)

const (
	inflightMaxEntries = 1024
	// inflightTTL bounds how long a hung status write blocks duplicates.
	inflightTTL = 2 * time.Minute
)

// inflightSet remembers status writes that are currently running so that a
// webhook delivery racing the startup catch-up does not write twice.
// Entries expire after their TTL and the oldest are evicted past maxEntries.
type inflightSet struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
}

type inflightEntry struct {
	key       string
	expiresAt time.Time
}

func newInflightSet(maxEntries int) *inflightSet {
	if maxEntries <= 0 {
		return nil
	}

	return &inflightSet{
		entries:    make(map[string]*list.Element, maxEntries),
		order:      list.New(),
		maxEntries: maxEntries,
	}
}

// acquire marks key as running until expiresAt. It returns false if key is
// already running.
func (s *inflightSet) acquire(key string, expiresAt time.Time, now time.Time) bool {
	if s == nil || key == "" {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		entry, castOk := elem.Value.(*inflightEntry)
		if castOk && !now.After(entry.expiresAt) {
			return false
		}

		s.removeElement(elem)
	}

	elem := s.order.PushFront(&inflightEntry{
		key:       key,
		expiresAt: expiresAt,
	})
	s.entries[key] = elem

	s.evictExpiredLocked(now)
	s.enforceSizeLimitLocked()

	return true
}

func (s *inflightSet) release(key string) {
	if s == nil || key == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		s.removeElement(elem)
	}
}

func (s *inflightSet) len() int {
	if s == nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

func (s *inflightSet) evictExpiredLocked(now time.Time) {
	for elem := s.order.Back(); elem != nil; {
		prev := elem.Prev()

		entry, ok := elem.Value.(*inflightEntry)
		if ok && now.After(entry.expiresAt) {
			s.removeElement(elem)
		}

		elem = prev
	}
}

func (s *inflightSet) enforceSizeLimitLocked() {
	for len(s.entries) > s.maxEntries {
		elem := s.order.Back()
		if elem == nil {
			return
		}
		s.removeElement(elem)
	}
}

func (s *inflightSet) removeElement(elem *list.Element) {
	entry, ok := elem.Value.(*inflightEntry)
	if !ok {
		return
	}

	delete(s.entries, entry.key)
	s.order.Remove(elem)
}
