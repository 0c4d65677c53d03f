package api

import (
	"context"

	"slate-api/domain"
)

// Storage abstracts persistence for handlers: ordered reads per container,
// atomic single-row moves, transactional multi-row writes, and the durable
// queue for background batches.
type Storage interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	FetchColumn(ctx context.Context, userID, column string) ([]domain.Task, error)
	FetchProjects(ctx context.Context, userID string) ([]domain.Project, error)
	GetTask(ctx context.Context, userID, taskID string) (domain.Task, error)
	MoveTask(ctx context.Context, userID string, move domain.TaskMove) error
	ApplyTaskMoves(ctx context.Context, userID string, moves []domain.TaskMove) error
	ReorderProjects(ctx context.Context, userID string, orders []domain.ProjectOrder) error
	SetProjectProgress(ctx context.Context, userID, projectID string, progress int) error
	EnqueueBatch(ctx context.Context, userID string, moves []domain.TaskMove) error
}

// Locker serializes writes per (user, container). Move handlers hold the
// lock across the neighbor read and the order write.
type Locker interface {
	Acquire(ctx context.Context, userID, container string) (func(), error)
	AcquireMany(ctx context.Context, userID string, containers []string) (func(), error)
}

// NotFoundError is implemented by storage errors that mean the addressed
// entity does not exist.
type NotFoundError interface {
	error
	NotFound()
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of duplicate batch submissions.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails so
	// the client may retry.
	Remove(ctx context.Context, userID, key string) error
}
