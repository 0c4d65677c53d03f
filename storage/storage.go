package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"slate-api/domain"
)

// notFoundError satisfies the api layer's NotFound marker interface so
// handlers can map missing rows to 404 without importing this package's
// sentinels directly.
type notFoundError string

func (e notFoundError) Error() string { return string(e) }
func (e notFoundError) NotFound()     {}

var (
	// ErrTaskNotFound is returned when a move targets a task that no
	// longer exists.
	ErrTaskNotFound error = notFoundError("task not found")
	// ErrProjectNotFound is returned when a reorder names an unknown
	// project.
	ErrProjectNotFound error = notFoundError("project not found")
)

// Azure Tables transactions accept at most 100 entities per submission.
const transactionChunkSize = 100

const edmDouble = "Edm.Double"

// Storage provides access to the tasks and projects tables and the durable
// batch queue. All rows are partitioned by user, which is what lets move
// batches commit as a single all-or-nothing transaction.
type Storage struct {
	taskTable    *aztables.Client
	projectTable *aztables.Client
	batchQueue   *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, projectsTable, batchQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	bq, err := azqueue.NewQueueClientFromConnectionString(connStr, batchQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:    svc.NewClient(tasksTable),
		projectTable: svc.NewClient(projectsTable),
		batchQueue:   bq,
	}, nil
}

type taskEntity struct {
	aztables.Entity
	ProjectID string  `json:"ProjectID"`
	Title     string  `json:"Title"`
	Notes     string  `json:"Notes"`
	Column    string  `json:"Column"`
	Order     float64 `json:"Order"`
	OrderType string  `json:"Order@odata.type"`
}

type projectEntity struct {
	aztables.Entity
	Name      string  `json:"Name"`
	Order     float64 `json:"Order"`
	OrderType string  `json:"Order@odata.type"`
	Progress  int     `json:"Progress"`
}

// taskMoveUpdate is the partial entity merged into a task row on move.
type taskMoveUpdate struct {
	aztables.Entity
	Column    string  `json:"Column"`
	Order     float64 `json:"Order"`
	OrderType string  `json:"Order@odata.type"`
}

type projectOrderUpdate struct {
	aztables.Entity
	Order     float64 `json:"Order"`
	OrderType string  `json:"Order@odata.type"`
}

type projectProgressUpdate struct {
	aztables.Entity
	Progress int `json:"Progress"`
}

func taskFromEntity(ent taskEntity) domain.Task {
	return domain.Task{
		ID:        ent.RowKey,
		ProjectID: ent.ProjectID,
		Title:     ent.Title,
		Notes:     ent.Notes,
		Column:    ent.Column,
		Order:     ent.Order,
	}
}

// FetchTasks retrieves all tasks for the provided user, sorted by order.
func (s *Storage) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + userID + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, taskFromEntity(ent))
		}
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// FetchColumn retrieves the ordered contents of one column.
func (s *Storage) FetchColumn(ctx context.Context, userID, column string) ([]domain.Task, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and Column eq '%s'", userID, column)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, taskFromEntity(ent))
		}
	}
	domain.SortTasks(tasks)
	return tasks, nil
}

// GetTask retrieves a single task, mapping a missing row to ErrTaskNotFound.
func (s *Storage) GetTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	ent, err := s.taskTable.GetEntity(ctx, userID, taskID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return domain.Task{}, ErrTaskNotFound
		}
		return domain.Task{}, err
	}
	var task taskEntity
	if err := json.Unmarshal(ent.Value, &task); err != nil {
		return domain.Task{}, err
	}
	return taskFromEntity(task), nil
}

// MoveTask updates a task's column and order in a single merge write.
func (s *Storage) MoveTask(ctx context.Context, userID string, move domain.TaskMove) error {
	upd := taskMoveUpdate{
		Entity:    aztables.Entity{PartitionKey: userID, RowKey: move.TaskID},
		Column:    move.ToColumn,
		Order:     move.NewOrder,
		OrderType: edmDouble,
	}
	payload, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return ErrTaskNotFound
		}
	}
	return err
}

// ApplyTaskMoves commits a batch of moves transactionally. All rows live in
// the user's partition, so each chunk is all-or-nothing.
func (s *Storage) ApplyTaskMoves(ctx context.Context, userID string, moves []domain.TaskMove) error {
	if len(moves) == 0 {
		return nil
	}
	for start := 0; start < len(moves); start += transactionChunkSize {
		end := start + transactionChunkSize
		if end > len(moves) {
			end = len(moves)
		}
		actions := make([]aztables.TransactionAction, 0, end-start)
		for _, move := range moves[start:end] {
			upd := taskMoveUpdate{
				Entity:    aztables.Entity{PartitionKey: userID, RowKey: move.TaskID},
				Column:    move.ToColumn,
				Order:     move.NewOrder,
				OrderType: edmDouble,
			}
			payload, err := json.Marshal(upd)
			if err != nil {
				return err
			}
			actions = append(actions, aztables.TransactionAction{
				ActionType: aztables.TransactionTypeUpdateMerge,
				Entity:     payload,
			})
		}
		if _, err := s.taskTable.SubmitTransaction(ctx, actions, nil); err != nil {
			var respErr *azcore.ResponseError
			if errors.As(err, &respErr) && respErr.StatusCode == 404 {
				return ErrTaskNotFound
			}
			return err
		}
	}
	return nil
}

// FetchProjects retrieves the user's project list, sorted by order.
func (s *Storage) FetchProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	filter := "PartitionKey eq '" + userID + "'"
	pager := s.projectTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	projects := []domain.Project{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent projectEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			projects = append(projects, domain.Project{
				ID:       ent.RowKey,
				Name:     ent.Name,
				Order:    ent.Order,
				Progress: ent.Progress,
			})
		}
	}
	domain.SortProjects(projects)
	return projects, nil
}

// ReorderProjects writes the recomputed order values in one transaction.
func (s *Storage) ReorderProjects(ctx context.Context, userID string, orders []domain.ProjectOrder) error {
	if len(orders) == 0 {
		return nil
	}
	actions := make([]aztables.TransactionAction, 0, len(orders))
	for _, po := range orders {
		upd := projectOrderUpdate{
			Entity:    aztables.Entity{PartitionKey: userID, RowKey: po.ProjectID},
			Order:     po.NewOrder,
			OrderType: edmDouble,
		}
		payload, err := json.Marshal(upd)
		if err != nil {
			return err
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeUpdateMerge,
			Entity:     payload,
		})
	}
	if _, err := s.projectTable.SubmitTransaction(ctx, actions, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return ErrProjectNotFound
		}
		return err
	}
	return nil
}

// SetProjectProgress persists the derived completion percentage.
func (s *Storage) SetProjectProgress(ctx context.Context, userID, projectID string, progress int) error {
	upd := projectProgressUpdate{
		Entity:   aztables.Entity{PartitionKey: userID, RowKey: projectID},
		Progress: progress,
	}
	payload, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.projectTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return ErrProjectNotFound
		}
	}
	return err
}

// EnqueueBatch hands a move batch to the durable queue for background
// processing.
func (s *Storage) EnqueueBatch(ctx context.Context, userID string, moves []domain.TaskMove) error {
	env := domain.BatchEnvelope{UserID: userID, Moves: moves}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = s.batchQueue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// DequeueBatch retrieves a single pending batch message, nil when the queue
// is empty.
func (s *Storage) DequeueBatch(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	resp, err := s.batchQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// DeleteBatch removes a processed batch message from the queue.
func (s *Storage) DeleteBatch(ctx context.Context, id, receipt string) error {
	_, err := s.batchQueue.DeleteMessage(ctx, id, receipt, nil)
	return err
}
