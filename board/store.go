// Package board holds the in-memory model of one user's board: a set of
// named containers (the Kanban columns, or the flat project list), each an
// ordered slice of tasks. Moves are applied optimistically and can be undone
// when the storage write they anticipate fails.
package board

import (
	"sync"

	"slate-api/domain"
)

// Store is an explicit state container. Callers construct one per board and
// pass it where needed; there is no package-level instance.
type Store struct {
	mu         sync.RWMutex
	containers map[string][]domain.Task
	subs       []func(container string)
}

// NewStore creates a store over the provided containers. The input slices
// are copied; the caller keeps ownership of its own data.
func NewStore(containers map[string][]domain.Task) *Store {
	s := &Store{containers: make(map[string][]domain.Task, len(containers))}
	for key, tasks := range containers {
		s.containers[key] = append([]domain.Task(nil), tasks...)
	}
	return s
}

// NewStoreFromTasks buckets a flat task list into containers by column and
// sorts each container.
func NewStoreFromTasks(tasks []domain.Task) *Store {
	containers := make(map[string][]domain.Task)
	for _, t := range tasks {
		containers[t.Column] = append(containers[t.Column], t)
	}
	for key := range containers {
		domain.SortTasks(containers[key])
	}
	return NewStore(containers)
}

// Container returns a copy of the named container, nil if absent.
func (s *Store) Container(key string) []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks, ok := s.containers[key]
	if !ok {
		return nil
	}
	return append([]domain.Task(nil), tasks...)
}

// Containers returns a deep copy of the whole board.
func (s *Store) Containers() map[string][]domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]domain.Task, len(s.containers))
	for key, tasks := range s.containers {
		out[key] = append([]domain.Task(nil), tasks...)
	}
	return out
}

// SetContainer replaces the named container wholesale. Used when
// reconciling against a server-confirmed list.
func (s *Store) SetContainer(key string, tasks []domain.Task) {
	s.mu.Lock()
	s.containers[key] = append([]domain.Task(nil), tasks...)
	s.mu.Unlock()
	s.notify(key)
}

// Tasks flattens the board back into a single task list.
func (s *Store) Tasks() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Task
	for _, tasks := range s.containers {
		out = append(out, tasks...)
	}
	return out
}

// Subscribe registers a callback invoked with the container key after every
// mutation. Callbacks run synchronously on the mutating goroutine.
func (s *Store) Subscribe(fn func(container string)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

func (s *Store) notify(container string) {
	s.mu.RLock()
	subs := append(([]func(string))(nil), s.subs...)
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(container)
	}
}
