package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slate-api/board"
	"slate-api/domain"
)

var errBatchTaskMissing = errors.New("task not on board")

// buildBatchMoves replays the batch intents against an in-memory board and
// rebuilds every touched container with integer-spaced orders. The returned
// moves carry the final column and order per task; progress maps project ids
// to their recomputed aggregate after the batch.
func buildBatchMoves(tasks []domain.Task, items []batchMoveItem) (moves []domain.TaskMove, progress map[string]int, err error) {
	store := board.NewStoreFromTasks(tasks)
	touched := make(map[string]struct{})

	for _, item := range items {
		from, fromIndex, ok := locate(store, item.TaskID)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", errBatchTaskMissing, item.TaskID)
		}
		toIndex := item.ToIndex
		dstLen := len(store.Container(item.ToColumn))
		if from == item.ToColumn {
			dstLen--
		}
		if toIndex > dstLen {
			toIndex = dstLen
		}
		if _, _, err := store.Move(domain.MoveIntent{
			EntityID:      item.TaskID,
			FromContainer: from,
			ToContainer:   item.ToColumn,
			FromIndex:     fromIndex,
			ToIndex:       toIndex,
		}); err != nil {
			return nil, nil, err
		}
		touched[from] = struct{}{}
		touched[item.ToColumn] = struct{}{}
	}

	projects := make(map[string]struct{})
	for container := range touched {
		list := store.Container(container)
		orders := domain.RespaceIntegers(len(list))
		for i, t := range list {
			moves = append(moves, domain.TaskMove{TaskID: t.ID, ToColumn: container, NewOrder: orders[i]})
			if t.ProjectID != "" {
				projects[t.ProjectID] = struct{}{}
			}
		}
	}

	all := store.Tasks()
	progress = make(map[string]int, len(projects))
	for projectID := range projects {
		progress[projectID] = domain.ProjectProgress(all, projectID)
	}
	return moves, progress, nil
}

func locate(store *board.Store, taskID string) (container string, index int, ok bool) {
	for key, list := range store.Containers() {
		for i, t := range list {
			if t.ID == taskID {
				return key, i, true
			}
		}
	}
	return "", 0, false
}

// runWithBudget races fn against the fast-path wall clock. When the budget
// expires fn's context is cancelled and the caller falls back to the durable
// outbox; a chunk that already committed is harmless because the background
// replay writes the same absolute values.
func runWithBudget(parent context.Context, budget time.Duration, fn func(context.Context) error) (completed bool, err error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case err := <-done:
		return true, err
	case <-timer.C:
		return false, nil
	}
}
