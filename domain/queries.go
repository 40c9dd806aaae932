package domain

import "strings"

// FindFocusArea returns the area with the given id.
func FindFocusArea(m MatrixData, areaID string) (FocusArea, bool) {
	for _, a := range m.FocusAreas {
		if a.ID == areaID {
			return a, true
		}
	}
	return FocusArea{}, false
}

// FindTask returns the task with the given id.
func FindTask(m MatrixData, taskID string) (Task, bool) {
	for _, t := range m.Tasks {
		if t.ID == taskID {
			return t, true
		}
	}
	return Task{}, false
}

// TasksByArea returns the tasks belonging to the given focus area.
func TasksByArea(m MatrixData, areaID string) []Task {
	out := []Task{}
	for _, t := range m.Tasks {
		if t.AreaID == areaID {
			out = append(out, t)
		}
	}
	return out
}

// TasksByStatus returns the tasks with the given status.
func TasksByStatus(m MatrixData, status TaskStatus) []Task {
	out := []Task{}
	for _, t := range m.Tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out
}

// SearchTasks returns tasks whose title or description contains the query,
// case-insensitively.
func SearchTasks(m MatrixData, query string) []Task {
	q := strings.ToLower(strings.TrimSpace(query))
	out := []Task{}
	if q == "" {
		return out
	}
	for _, t := range m.Tasks {
		if strings.Contains(strings.ToLower(t.Title), q) || strings.Contains(strings.ToLower(t.Description), q) {
			out = append(out, t)
		}
	}
	return out
}

// TaskWithArea joins a task with its owning focus area.
type TaskWithArea struct {
	Task Task      `json:"task"`
	Area FocusArea `json:"area"`
}

// TasksWithAreas joins every task with its focus area. A task whose area is
// missing yields a NotFoundError, the same class the CRUD operations raise.
func TasksWithAreas(m MatrixData) ([]TaskWithArea, error) {
	byID := make(map[string]FocusArea, len(m.FocusAreas))
	for _, a := range m.FocusAreas {
		byID[a.ID] = a
	}
	out := make([]TaskWithArea, 0, len(m.Tasks))
	for _, t := range m.Tasks {
		area, ok := byID[t.AreaID]
		if !ok {
			return nil, &NotFoundError{Entity: "focus area", ID: t.AreaID}
		}
		out = append(out, TaskWithArea{Task: t, Area: area})
	}
	return out, nil
}

// MatrixStats aggregates task counters for the progress view.
type MatrixStats struct {
	TotalTasks     int                `json:"totalTasks"`
	CompletedTasks int                `json:"completedTasks"`
	ByStatus       map[TaskStatus]int `json:"byStatus"`
	ByArea         map[string]int     `json:"byArea"`
}

// ComputeStats counts tasks in total, by status and by focus area.
func ComputeStats(m MatrixData) MatrixStats {
	stats := MatrixStats{
		TotalTasks: len(m.Tasks),
		ByStatus:   map[TaskStatus]int{},
		ByArea:     map[string]int{},
	}
	for _, t := range m.Tasks {
		stats.ByStatus[t.Status]++
		stats.ByArea[t.AreaID]++
		if t.Status == StatusCompleted {
			stats.CompletedTasks++
		}
	}
	return stats
}
