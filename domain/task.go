package domain

// Task represents a single board item. Tasks live in exactly one column and
// are ordered within it by the Order value, ties broken by ID ascending.
type Task struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"projectId"`
	Title     string  `json:"title"`
	Notes     string  `json:"notes,omitempty"`
	Column    string  `json:"column"`
	Order     float64 `json:"order"`
}

// Project is a top-level grouping of tasks. Projects form a single ordered
// list; Progress is derived from the tasks and never written directly by
// clients.
type Project struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Order    float64 `json:"order"`
	Progress int     `json:"progress"`
}

// Board columns. The done column feeds the project progress aggregate.
const (
	ColumnTodo       = "todo"
	ColumnInProgress = "in-progress"
	ColumnDone       = "done"

	// ProjectsContainer is the container key for the flat project list.
	ProjectsContainer = "projects"
)

// KnownColumn reports whether name is one of the board columns.
func KnownColumn(name string) bool {
	switch name {
	case ColumnTodo, ColumnInProgress, ColumnDone:
		return true
	}
	return false
}

// Done reports whether the task sits in the completed column.
func (t Task) Done() bool { return t.Column == ColumnDone }
