package domain

import "time"

// TaskStatus enumerates the lifecycle states of a task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in-progress"
	StatusCompleted  TaskStatus = "completed"
)

// ValidStatus reports whether s is one of the known task statuses.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// TaskPriority enumerates task priorities.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// ValidPriority reports whether p is one of the known task priorities.
func ValidPriority(p TaskPriority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Goal is the single central goal of a matrix.
type Goal struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatedDate time.Time `json:"createdDate"`
}

// FocusArea is one of up to eight areas supporting the goal. It references
// its owning goal by id, not by pointer.
type FocusArea struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	GoalID      string `json:"goalId"`
}

// Task is a single matrix cell. CompletedDate is set exactly when Status is
// StatusCompleted.
type Task struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	AreaID        string       `json:"areaId"`
	Status        TaskStatus   `json:"status"`
	Priority      TaskPriority `json:"priority"`
	CompletedDate *time.Time   `json:"completedDate,omitempty"`
}

// MatrixData is the aggregate entity graph: one goal, its focus areas and
// their tasks. It is the unit of validation, persistence and migration.
type MatrixData struct {
	Goal       Goal        `json:"goal"`
	FocusAreas []FocusArea `json:"focusAreas"`
	Tasks      []Task      `json:"tasks"`
}

// Clone returns a deep copy of the matrix. Mutating the copy never affects
// the receiver.
func (m MatrixData) Clone() MatrixData {
	out := MatrixData{
		Goal:       m.Goal,
		FocusAreas: make([]FocusArea, len(m.FocusAreas)),
		Tasks:      make([]Task, len(m.Tasks)),
	}
	copy(out.FocusAreas, m.FocusAreas)
	for i, t := range m.Tasks {
		if t.CompletedDate != nil {
			d := *t.CompletedDate
			t.CompletedDate = &d
		}
		out.Tasks[i] = t
	}
	return out
}
