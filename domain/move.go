package domain

// MoveIntent describes a drag gesture: take the entity out of one container
// position and drop it at another. It is ephemeral and only consumed while
// computing the move; nothing persists it.
type MoveIntent struct {
	EntityID      string
	FromContainer string
	ToContainer   string
	FromIndex     int
	ToIndex       int
}

// NoOp reports whether applying the intent would leave state unchanged.
func (m MoveIntent) NoOp() bool {
	return m.FromContainer == m.ToContainer && m.FromIndex == m.ToIndex
}

// TaskMove is the persisted form of a single task move: the new column and
// the server-confirmed order value.
type TaskMove struct {
	TaskID   string  `json:"taskId"`
	ToColumn string  `json:"toColumn"`
	NewOrder float64 `json:"newOrder"`
}

// ProjectOrder carries one project's recomputed order during a reorder.
type ProjectOrder struct {
	ProjectID string  `json:"projectId"`
	NewOrder  float64 `json:"newOrder"`
}

// BatchEnvelope is the wire format for batches handed to the durable batch
// queue when the fast path runs out of budget.
type BatchEnvelope struct {
	UserID string     `json:"userId"`
	Moves  []TaskMove `json:"moves"`
}
