package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GoalInput carries the user-editable fields of a goal.
type GoalInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// FocusAreaInput carries the user-editable fields of a focus area.
type FocusAreaInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	GoalID      string `json:"goalId"`
}

// TaskInput carries the user-editable fields of a task. Priority is optional
// and defaults to medium.
type TaskInput struct {
	Title       string       `json:"title"`
	Description string       `json:"description"`
	AreaID      string       `json:"areaId"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority,omitempty"`
}

// NewID produces an opaque identifier from the current time and a random
// suffix. There is no collision check; for a single-user matrix the
// probability is negligible.
func NewID() string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 36)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return ts + "-" + suffix
}

// NewGoal builds a goal with a fresh id and creation timestamp.
func NewGoal(in GoalInput) Goal {
	return Goal{
		ID:          NewID(),
		Title:       in.Title,
		Description: in.Description,
		CreatedDate: time.Now().UTC(),
	}
}

// NewFocusArea builds a focus area with a fresh id.
func NewFocusArea(in FocusAreaInput) FocusArea {
	return FocusArea{
		ID:          NewID(),
		Title:       in.Title,
		Description: in.Description,
		GoalID:      in.GoalID,
	}
}

// NewTask builds a task with a fresh id. An unspecified status becomes
// pending and an unspecified priority becomes medium.
func NewTask(in TaskInput) Task {
	status := in.Status
	if status == "" {
		status = StatusPending
	}
	priority := in.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	t := Task{
		ID:          NewID(),
		Title:       in.Title,
		Description: in.Description,
		AreaID:      in.AreaID,
		Status:      status,
		Priority:    priority,
	}
	if status == StatusCompleted {
		now := time.Now().UTC()
		t.CompletedDate = &now
	}
	return t
}

var defaultAreaTitles = [MaxFocusAreas]string{
	"Health",
	"Career",
	"Finance",
	"Relationships",
	"Personal Growth",
	"Recreation",
	"Environment",
	"Contribution",
}

// NewFocusAreas builds the eight canonical default-named focus areas for
// the given goal.
func NewFocusAreas(goalID string) []FocusArea {
	areas := make([]FocusArea, 0, MaxFocusAreas)
	for _, title := range defaultAreaTitles {
		areas = append(areas, NewFocusArea(FocusAreaInput{
			Title:       title,
			Description: "Supporting area for your goal",
			GoalID:      goalID,
		}))
	}
	return areas
}

// NewEmptyTaskMatrix builds eight pending placeholder tasks for every given
// area id, in area order.
func NewEmptyTaskMatrix(areaIDs []string) []Task {
	tasks := make([]Task, 0, len(areaIDs)*MaxTasksPerArea)
	for _, areaID := range areaIDs {
		for i := 1; i <= MaxTasksPerArea; i++ {
			tasks = append(tasks, NewTask(TaskInput{
				Title:  fmt.Sprintf("Task %d", i),
				AreaID: areaID,
				Status: StatusPending,
			}))
		}
	}
	return tasks
}

// NewEmptyMatrix composes a ready-to-edit matrix: one goal, eight default
// focus areas and sixty-four pending placeholder tasks.
func NewEmptyMatrix(in GoalInput) MatrixData {
	goal := NewGoal(in)
	areas := NewFocusAreas(goal.ID)
	ids := make([]string, len(areas))
	for i, a := range areas {
		ids[i] = a.ID
	}
	return MatrixData{Goal: goal, FocusAreas: areas, Tasks: NewEmptyTaskMatrix(ids)}
}

// NewMinimalMatrix builds a matrix with the goal and the eight default
// focus areas but no tasks, for flows that add tasks one by one.
func NewMinimalMatrix(in GoalInput) MatrixData {
	goal := NewGoal(in)
	return MatrixData{Goal: goal, FocusAreas: NewFocusAreas(goal.ID), Tasks: []Task{}}
}
