package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"slate-api/domain"
)

// applierBackend is the slice of storage the applier needs. The queue side
// stays on *Storage; the table side goes through the cache wrapper so
// applied batches evict stale board reads.
type applierBackend interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	ApplyTaskMoves(ctx context.Context, userID string, moves []domain.TaskMove) error
	SetProjectProgress(ctx context.Context, userID, projectID string, progress int) error
}

type batchQueue interface {
	DequeueBatch(ctx context.Context) (*azqueue.DequeuedMessage, error)
	DeleteBatch(ctx context.Context, id, receipt string) error
}

// applierLocks serializes the applier against interactive moves on the
// same containers.
type applierLocks interface {
	AcquireMany(ctx context.Context, userID string, containers []string) (func(), error)
}

// BatchApplier drains the durable batch queue: batches that missed the
// fast-path budget land here and are applied with the same transactional
// semantics, just without a waiting client.
type BatchApplier struct {
	queue        batchQueue
	store        applierBackend
	locks        applierLocks
	logger       *log.Logger
	pollInterval time.Duration
}

// NewBatchApplier creates an applier polling at the given interval.
func NewBatchApplier(queue batchQueue, store applierBackend, locks applierLocks, logger *log.Logger, pollInterval time.Duration) *BatchApplier {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &BatchApplier{queue: queue, store: store, locks: locks, logger: logger, pollInterval: pollInterval}
}

// Run processes batches until ctx is cancelled.
func (a *BatchApplier) Run(ctx context.Context) {
	for {
		msg, err := a.queue.DequeueBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.WithError(err).Error("batch applier dequeue failed")
			if !sleepCtx(ctx, a.pollInterval) {
				return
			}
			continue
		}
		if msg == nil {
			if !sleepCtx(ctx, a.pollInterval) {
				return
			}
			continue
		}
		if err := a.processMessage(ctx, msg); err != nil {
			// Leave the message on the queue; its visibility timeout
			// expires and it is retried.
			a.logger.WithError(err).Error("batch applier processing failed")
		}
	}
}

func (a *BatchApplier) processMessage(ctx context.Context, msg *azqueue.DequeuedMessage) error {
	var env domain.BatchEnvelope
	if msg.MessageText != nil {
		if err := json.Unmarshal([]byte(*msg.MessageText), &env); err != nil {
			// A malformed message will never parse; drop it instead of
			// poisoning the queue.
			a.logger.WithError(err).Warn("dropping malformed batch message")
			return a.deleteMessage(ctx, msg)
		}
	}

	if err := a.ApplyEnvelope(ctx, env); err != nil {
		return err
	}
	return a.deleteMessage(ctx, msg)
}

// ApplyEnvelope applies one batch and recomputes affected project
// aggregates. The touched containers are locked for the whole write so an
// interactive move cannot compute a midpoint against orders the applier is
// in the middle of rewriting.
func (a *BatchApplier) ApplyEnvelope(ctx context.Context, env domain.BatchEnvelope) error {
	if len(env.Moves) == 0 {
		return nil
	}

	release, err := a.locks.AcquireMany(ctx, env.UserID, touchedContainers(env.Moves))
	if err != nil {
		return err
	}
	defer release()

	if err := a.store.ApplyTaskMoves(ctx, env.UserID, env.Moves); err != nil {
		return err
	}

	tasks, err := a.store.FetchTasks(ctx, env.UserID)
	if err != nil {
		return err
	}
	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	projects := make(map[string]struct{})
	for _, move := range env.Moves {
		if t, ok := byID[move.TaskID]; ok && t.ProjectID != "" {
			projects[t.ProjectID] = struct{}{}
		}
	}
	for projectID := range projects {
		progress := domain.ProjectProgress(tasks, projectID)
		if err := a.store.SetProjectProgress(ctx, env.UserID, projectID, progress); err != nil {
			return err
		}
	}

	a.logger.WithFields(log.Fields{
		"user":     env.UserID,
		"moves":    len(env.Moves),
		"projects": len(projects),
	}).Info("background batch applied")
	return nil
}

func (a *BatchApplier) deleteMessage(ctx context.Context, msg *azqueue.DequeuedMessage) error {
	if msg.MessageID == nil || msg.PopReceipt == nil {
		return nil
	}
	return a.queue.DeleteBatch(ctx, *msg.MessageID, *msg.PopReceipt)
}

// touchedContainers returns the unique destination columns of a batch.
// Batch rebuilds emit a move for every task in every container they touch,
// so the destinations cover the full write set.
func touchedContainers(moves []domain.TaskMove) []string {
	seen := make(map[string]struct{}, 3)
	out := make([]string, 0, 3)
	for _, m := range moves {
		if _, ok := seen[m.ToColumn]; ok {
			continue
		}
		seen[m.ToColumn] = struct{}{}
		out = append(out, m.ToColumn)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
