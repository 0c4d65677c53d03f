package api

import "slate-api/domain"

const moveBodyMaxSize = 256 * 1024 // 256 KiB

// Batch response modes.
const (
	modeFast       = "fast"
	modeBackground = "background"
)

// PATCH /api/tasks/:id/move request body. Exactly one of toIndex or
// newOrder must be set; toIndex asks the server to compute the fractional
// order from the destination neighbors.
type moveTaskRequest struct {
	ToColumn string   `json:"toColumn"`
	ToIndex  *int     `json:"toIndex,omitempty"`
	NewOrder *float64 `json:"newOrder,omitempty"`
}

type moveTaskResponse struct {
	TaskID   string  `json:"taskId"`
	Column   string  `json:"column"`
	Order    float64 `json:"order"`
	Progress int     `json:"progress"`
}

// PATCH /api/tasks/batchMove request body.
type batchMoveRequest struct {
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Batch          []batchMoveItem `json:"batch"`
}

type batchMoveItem struct {
	TaskID   string `json:"taskId"`
	ToColumn string `json:"toColumn"`
	ToIndex  int    `json:"toIndex"`
}

type batchMoveResponse struct {
	Success bool              `json:"success"`
	Mode    string            `json:"mode,omitempty"`
	Results []domain.TaskMove `json:"results,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PATCH /api/projects/reorder request body: the full desired order.
type reorderProjectsRequest struct {
	ProjectIDs []string `json:"projectIds"`
}

type reorderProjectsResponse struct {
	Success bool                  `json:"success"`
	Orders  []domain.ProjectOrder `json:"orders,omitempty"`
	Error   string                `json:"error,omitempty"`
}
