package domain

import (
	"fmt"
	"time"
)

// NotFoundError reports a CRUD operation addressing an entity that does not
// exist in the matrix. It indicates a caller bug rather than bad user input.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// GoalUpdate carries the mutable goal fields; nil fields are left unchanged.
type GoalUpdate struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// FocusAreaUpdate carries the mutable focus area fields.
type FocusAreaUpdate struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// TaskUpdate carries the mutable task fields.
type TaskUpdate struct {
	Title       *string       `json:"title,omitempty"`
	Description *string       `json:"description,omitempty"`
	Status      *TaskStatus   `json:"status,omitempty"`
	Priority    *TaskPriority `json:"priority,omitempty"`
}

// UpdateGoal returns a new matrix with the goal's title/description changed.
// The goal id must match the current goal; createdDate is immutable.
func UpdateGoal(m MatrixData, goalID string, upd GoalUpdate) (MatrixData, error) {
	if m.Goal.ID != goalID {
		return MatrixData{}, &NotFoundError{Entity: "goal", ID: goalID}
	}
	out := m.Clone()
	if upd.Title != nil {
		out.Goal.Title = *upd.Title
	}
	if upd.Description != nil {
		out.Goal.Description = *upd.Description
	}
	return out, nil
}

// AddFocusArea returns a new matrix containing the given area. The area must
// reference the current goal.
func AddFocusArea(m MatrixData, area FocusArea) (MatrixData, error) {
	if area.GoalID != m.Goal.ID {
		return MatrixData{}, &NotFoundError{Entity: "goal", ID: area.GoalID}
	}
	out := m.Clone()
	out.FocusAreas = append(out.FocusAreas, area)
	return out, nil
}

// UpdateFocusArea returns a new matrix with the addressed area changed.
func UpdateFocusArea(m MatrixData, areaID string, upd FocusAreaUpdate) (MatrixData, error) {
	out := m.Clone()
	for i := range out.FocusAreas {
		if out.FocusAreas[i].ID != areaID {
			continue
		}
		if upd.Title != nil {
			out.FocusAreas[i].Title = *upd.Title
		}
		if upd.Description != nil {
			out.FocusAreas[i].Description = *upd.Description
		}
		return out, nil
	}
	return MatrixData{}, &NotFoundError{Entity: "focus area", ID: areaID}
}

// DeleteFocusArea returns a new matrix without the addressed area and
// without any task that referenced it (cascade deletion).
func DeleteFocusArea(m MatrixData, areaID string) (MatrixData, error) {
	found := false
	out := m.Clone()
	areas := out.FocusAreas[:0]
	for _, a := range out.FocusAreas {
		if a.ID == areaID {
			found = true
			continue
		}
		areas = append(areas, a)
	}
	if !found {
		return MatrixData{}, &NotFoundError{Entity: "focus area", ID: areaID}
	}
	out.FocusAreas = areas
	tasks := out.Tasks[:0]
	for _, t := range out.Tasks {
		if t.AreaID == areaID {
			continue
		}
		tasks = append(tasks, t)
	}
	out.Tasks = tasks
	return out, nil
}

// AddTask returns a new matrix containing the given task. The target area
// must exist; the referential check runs at write time, not only at
// validation time.
func AddTask(m MatrixData, task Task) (MatrixData, error) {
	exists := false
	for _, a := range m.FocusAreas {
		if a.ID == task.AreaID {
			exists = true
			break
		}
	}
	if !exists {
		return MatrixData{}, &NotFoundError{Entity: "focus area", ID: task.AreaID}
	}
	out := m.Clone()
	out.Tasks = append(out.Tasks, task)
	return out, nil
}

// UpdateTask returns a new matrix with the addressed task changed. Moving a
// task to completed stamps completedDate with the current time when unset;
// moving it away from completed clears completedDate.
func UpdateTask(m MatrixData, taskID string, upd TaskUpdate) (MatrixData, error) {
	out := m.Clone()
	for i := range out.Tasks {
		t := &out.Tasks[i]
		if t.ID != taskID {
			continue
		}
		if upd.Title != nil {
			t.Title = *upd.Title
		}
		if upd.Description != nil {
			t.Description = *upd.Description
		}
		if upd.Priority != nil {
			t.Priority = *upd.Priority
		}
		if upd.Status != nil {
			t.Status = *upd.Status
			if t.Status == StatusCompleted {
				if t.CompletedDate == nil {
					now := time.Now().UTC()
					t.CompletedDate = &now
				}
			} else {
				t.CompletedDate = nil
			}
		}
		return out, nil
	}
	return MatrixData{}, &NotFoundError{Entity: "task", ID: taskID}
}

// UpdateTaskStatus is a convenience wrapper over UpdateTask.
func UpdateTaskStatus(m MatrixData, taskID string, status TaskStatus) (MatrixData, error) {
	return UpdateTask(m, taskID, TaskUpdate{Status: &status})
}

// DeleteTask returns a new matrix without the addressed task.
func DeleteTask(m MatrixData, taskID string) (MatrixData, error) {
	out := m.Clone()
	tasks := out.Tasks[:0]
	found := false
	for _, t := range out.Tasks {
		if t.ID == taskID {
			found = true
			continue
		}
		tasks = append(tasks, t)
	}
	if !found {
		return MatrixData{}, &NotFoundError{Entity: "task", ID: taskID}
	}
	out.Tasks = tasks
	return out, nil
}
