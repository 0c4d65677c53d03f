package board

import (
	"errors"
	"fmt"

	"slate-api/domain"
)

var (
	// ErrUnknownContainer means the intent names a source container the
	// store has never seen.
	ErrUnknownContainer = errors.New("unknown container")
	// ErrIndexOutOfRange means an intent index does not fit the container.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrWrongEntity means the entity at FromIndex is not the one the
	// intent claims to move, i.e. the gesture raced a concurrent change.
	ErrWrongEntity = errors.New("entity mismatch at source index")
)

// Undo restores the board to its state before the move it belongs to.
// Calling it more than once is harmless.
type Undo func()

// Move applies a drag intent to the board immediately, before any storage
// round-trip. The moved task's order is computed from its new neighbors
// unless the caller already holds a server-assigned value, in which case
// MoveWithOrder applies that instead.
//
// A same-container same-index intent leaves the store untouched and returns
// the task as-is with a no-op undo.
func (s *Store) Move(intent domain.MoveIntent) (domain.Task, Undo, error) {
	return s.move(intent, nil)
}

// MoveWithOrder is Move with a precomputed order value.
func (s *Store) MoveWithOrder(intent domain.MoveIntent, order float64) (domain.Task, Undo, error) {
	return s.move(intent, &order)
}

func (s *Store) move(intent domain.MoveIntent, order *float64) (domain.Task, Undo, error) {
	s.mu.Lock()

	src, ok := s.containers[intent.FromContainer]
	if !ok {
		s.mu.Unlock()
		return domain.Task{}, nil, fmt.Errorf("%w: %s", ErrUnknownContainer, intent.FromContainer)
	}
	if intent.FromIndex < 0 || intent.FromIndex >= len(src) {
		s.mu.Unlock()
		return domain.Task{}, nil, fmt.Errorf("%w: from %d of %d", ErrIndexOutOfRange, intent.FromIndex, len(src))
	}
	task := src[intent.FromIndex]
	if intent.EntityID != "" && task.ID != intent.EntityID {
		s.mu.Unlock()
		return domain.Task{}, nil, fmt.Errorf("%w: have %s, want %s", ErrWrongEntity, task.ID, intent.EntityID)
	}

	if intent.NoOp() {
		s.mu.Unlock()
		return task, func() {}, nil
	}

	dst := s.containers[intent.ToContainer]
	dstLen := len(dst)
	if intent.FromContainer == intent.ToContainer {
		dstLen--
	}
	if intent.ToIndex < 0 || intent.ToIndex > dstLen {
		s.mu.Unlock()
		return domain.Task{}, nil, fmt.Errorf("%w: to %d of %d", ErrIndexOutOfRange, intent.ToIndex, dstLen)
	}

	// Snapshot the affected containers so a failed sync can roll the
	// optimistic move back.
	snapSrc := append([]domain.Task(nil), src...)
	snapDst := append([]domain.Task(nil), s.containers[intent.ToContainer]...)
	_, hadDst := s.containers[intent.ToContainer]

	src = append(src[:intent.FromIndex], src[intent.FromIndex+1:]...)
	s.containers[intent.FromContainer] = src

	dst = s.containers[intent.ToContainer]
	if order == nil {
		orders := make([]float64, len(dst))
		for i, t := range dst {
			orders[i] = t.Order
		}
		v := domain.OrderForInsert(orders, intent.ToIndex)
		order = &v
	}
	task.Column = intent.ToContainer
	task.Order = *order

	dst = append(dst, domain.Task{})
	copy(dst[intent.ToIndex+1:], dst[intent.ToIndex:])
	dst[intent.ToIndex] = task
	s.containers[intent.ToContainer] = dst

	s.mu.Unlock()
	s.notify(intent.FromContainer)
	if intent.ToContainer != intent.FromContainer {
		s.notify(intent.ToContainer)
	}

	var undone bool
	undo := func() {
		s.mu.Lock()
		if undone {
			s.mu.Unlock()
			return
		}
		undone = true
		s.containers[intent.FromContainer] = snapSrc
		if intent.ToContainer != intent.FromContainer {
			if hadDst {
				s.containers[intent.ToContainer] = snapDst
			} else {
				delete(s.containers, intent.ToContainer)
			}
		}
		s.mu.Unlock()
		s.notify(intent.FromContainer)
		if intent.ToContainer != intent.FromContainer {
			s.notify(intent.ToContainer)
		}
	}
	return task, undo, nil
}
