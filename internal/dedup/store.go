// Package dedup tracks which stream events have already been surfaced so
// redeliveries after a reconnect do not produce duplicate notifications.
package dedup

import "sync"

// DefaultCapacity is the retention bound used when no capacity is given.
const DefaultCapacity = 512

// renderedEntry ties a local notification id to the event that produced
// it, so removing the mapping can also release the event's dedup slot.
type renderedEntry struct {
	notificationID uint32
	eventID        string
}

// Store is a bounded in-memory dedup set with an attached
// rendered-notification index. Once more than capacity distinct event ids
// have been admitted, the oldest entries are evicted first: memory stays
// bounded at the cost of tolerating a redelivery older than the window.
// Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	capacity int
	seen     map[string]struct{}
	order    []string // admission order, oldest first

	// rendered maps a notification key (or event id) to what the sink
	// rendered for it. Bounded by the same capacity, evicted oldest
	// first.
	rendered      map[string]renderedEntry
	renderedOrder []string
}

// New creates a store retaining at most capacity event ids. A
// non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	return &Store{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		rendered: make(map[string]renderedEntry),
	}
}

// Admit records the event id and returns true the first time the id is
// seen; false on every repeat. Admitting beyond the capacity evicts the
// oldest recorded id.
func (s *Store) Admit(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[eventID]; ok {
		return false
	}

	s.seen[eventID] = struct{}{}
	s.order = append(s.order, eventID)

	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, oldest)
	}

	return true
}

// Len returns the number of retained event ids.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// RecordRendered remembers the local notification id rendered for the
// given key, and the event id that produced the render, so a later
// dismissal can find and release both.
func (s *Store) RecordRendered(key string, notificationID uint32, eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rendered[key]; !ok {
		s.renderedOrder = append(s.renderedOrder, key)
	}
	s.rendered[key] = renderedEntry{notificationID: notificationID, eventID: eventID}

	for len(s.renderedOrder) > s.capacity {
		oldest := s.renderedOrder[0]
		s.renderedOrder = s.renderedOrder[1:]
		delete(s.rendered, oldest)
	}
}

// LookupRendered returns the local notification id recorded for key.
func (s *Store) LookupRendered(key string) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.rendered[key]
	return entry.notificationID, ok
}

// RemoveRendered drops the rendered mapping for key, typically after the
// notification was dismissed. The event id that produced the render is
// forgotten along with it, so an identical notification posted later is
// admitted and rendered again rather than dedup-suppressed.
func (s *Store) RemoveRendered(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.rendered[key]
	if !ok {
		return
	}

	delete(s.rendered, key)
	s.renderedOrder = removeFirst(s.renderedOrder, key)

	if entry.eventID != "" {
		delete(s.seen, entry.eventID)
		s.order = removeFirst(s.order, entry.eventID)
	}
}

// removeFirst drops the first occurrence of v, preserving order. Slices
// here are bounded by the store capacity, so the scan is cheap.
func removeFirst(list []string, v string) []string {
	for i, item := range list {
		if item == v {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
