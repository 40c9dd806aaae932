package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Harada Method cardinality limits.
const (
	MaxFocusAreas   = 8
	MaxTasksPerArea = 8
	MaxTasks        = MaxFocusAreas * MaxTasksPerArea
)

// Field length bounds.
const (
	MaxGoalTitleLen = 100
	MaxGoalDescLen  = 500
	MaxAreaTitleLen = 50
	MaxAreaDescLen  = 200
	MinTaskTitleLen = 3
	MaxTaskTitleLen = 80
	MaxTaskDescLen  = 300
)

// ValidationResult accumulates human-readable validation errors. Checks
// never short-circuit; every applicable error is reported.
type ValidationResult struct {
	Valid  bool     `json:"isValid"`
	Errors []string `json:"errors"`
}

func newResult(errs []string) ValidationResult {
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// ValidationError is raised by AssertValidMatrix and carries the full list
// of accumulated errors.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "matrix validation failed: " + strings.Join(e.Errors, "; ")
}

func looksLikePlaceholder(title string) bool {
	lower := strings.ToLower(title)
	return strings.Contains(lower, "test") || strings.Contains(lower, "placeholder")
}

// ValidateGoalInput checks goal field bounds and flags placeholder titles.
func ValidateGoalInput(in GoalInput) ValidationResult {
	var errs []string
	title := strings.TrimSpace(in.Title)
	if title == "" {
		errs = append(errs, "goal title is required")
	} else if utf8.RuneCountInString(title) > MaxGoalTitleLen {
		errs = append(errs, fmt.Sprintf("goal title must be at most %d characters", MaxGoalTitleLen))
	}
	if looksLikePlaceholder(title) {
		errs = append(errs, "goal title looks like placeholder content")
	}
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		errs = append(errs, "goal description is required")
	} else if utf8.RuneCountInString(desc) > MaxGoalDescLen {
		errs = append(errs, fmt.Sprintf("goal description must be at most %d characters", MaxGoalDescLen))
	}
	return newResult(errs)
}

// ValidateFocusAreaInput checks focus area field bounds and the goal
// back-reference.
func ValidateFocusAreaInput(in FocusAreaInput) ValidationResult {
	var errs []string
	title := strings.TrimSpace(in.Title)
	if title == "" {
		errs = append(errs, "focus area title is required")
	} else if utf8.RuneCountInString(title) > MaxAreaTitleLen {
		errs = append(errs, fmt.Sprintf("focus area title must be at most %d characters", MaxAreaTitleLen))
	}
	if looksLikePlaceholder(title) {
		errs = append(errs, "focus area title looks like placeholder content")
	}
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		errs = append(errs, "focus area description is required")
	} else if utf8.RuneCountInString(desc) > MaxAreaDescLen {
		errs = append(errs, fmt.Sprintf("focus area description must be at most %d characters", MaxAreaDescLen))
	}
	if strings.TrimSpace(in.GoalID) == "" {
		errs = append(errs, "focus area goalId is required")
	}
	return newResult(errs)
}

// ValidateTaskInput checks task field bounds, the area back-reference and
// the status/priority enums.
func ValidateTaskInput(in TaskInput) ValidationResult {
	var errs []string
	title := strings.TrimSpace(in.Title)
	switch n := utf8.RuneCountInString(title); {
	case n == 0:
		errs = append(errs, "task title is required")
	case n < MinTaskTitleLen:
		errs = append(errs, fmt.Sprintf("task title must be at least %d characters", MinTaskTitleLen))
	case n > MaxTaskTitleLen:
		errs = append(errs, fmt.Sprintf("task title must be at most %d characters", MaxTaskTitleLen))
	}
	if looksLikePlaceholder(title) {
		errs = append(errs, "task title looks like placeholder content")
	}
	if utf8.RuneCountInString(in.Description) > MaxTaskDescLen {
		errs = append(errs, fmt.Sprintf("task description must be at most %d characters", MaxTaskDescLen))
	}
	if strings.TrimSpace(in.AreaID) == "" {
		errs = append(errs, "task areaId is required")
	}
	if in.Status != "" && !ValidStatus(in.Status) {
		errs = append(errs, fmt.Sprintf("unknown task status %q", in.Status))
	}
	if in.Priority != "" && !ValidPriority(in.Priority) {
		errs = append(errs, fmt.Sprintf("unknown task priority %q", in.Priority))
	}
	return newResult(errs)
}

// ValidateHaradaCompliance enforces the method's business rules: at most 8
// focus areas, 64 tasks total and 8 tasks per area, no duplicate area
// titles, no placeholder goal title.
func ValidateHaradaCompliance(m MatrixData) ValidationResult {
	var errs []string
	if len(m.FocusAreas) > MaxFocusAreas {
		errs = append(errs, fmt.Sprintf("matrix has %d focus areas, the Harada Method allows at most %d", len(m.FocusAreas), MaxFocusAreas))
	}
	if len(m.Tasks) > MaxTasks {
		errs = append(errs, fmt.Sprintf("matrix has %d tasks, the Harada Method allows at most %d", len(m.Tasks), MaxTasks))
	}
	perArea := make(map[string]int, len(m.FocusAreas))
	for _, t := range m.Tasks {
		perArea[t.AreaID]++
	}
	for _, a := range m.FocusAreas {
		if n := perArea[a.ID]; n > MaxTasksPerArea {
			errs = append(errs, fmt.Sprintf("focus area %q has %d tasks, at most %d are allowed", a.Title, n, MaxTasksPerArea))
		}
	}
	seen := make(map[string]string, len(m.FocusAreas))
	for _, a := range m.FocusAreas {
		key := strings.ToLower(strings.TrimSpace(a.Title))
		if other, dup := seen[key]; dup {
			errs = append(errs, fmt.Sprintf("duplicate focus area title %q (areas %s and %s)", a.Title, other, a.ID))
			continue
		}
		seen[key] = a.ID
	}
	if looksLikePlaceholder(m.Goal.Title) {
		errs = append(errs, "goal title looks like placeholder content")
	}
	return newResult(errs)
}

// ValidateReferentialIntegrity checks that every focus area points at the
// current goal and every task points at an existing focus area.
func ValidateReferentialIntegrity(m MatrixData) ValidationResult {
	var errs []string
	for _, a := range m.FocusAreas {
		if a.GoalID != m.Goal.ID {
			errs = append(errs, fmt.Sprintf("focus area %s references goal %s, expected %s", a.ID, a.GoalID, m.Goal.ID))
		}
	}
	areaIDs := make(map[string]struct{}, len(m.FocusAreas))
	for _, a := range m.FocusAreas {
		areaIDs[a.ID] = struct{}{}
	}
	for _, t := range m.Tasks {
		if _, ok := areaIDs[t.AreaID]; !ok {
			errs = append(errs, fmt.Sprintf("task %s references missing focus area %s", t.ID, t.AreaID))
		}
	}
	return newResult(errs)
}

// ValidateDataStructure checks per-entity shape conformance and global id
// uniqueness across goal, areas and tasks.
func ValidateDataStructure(m MatrixData) ValidationResult {
	var errs []string
	if m.Goal.ID == "" {
		errs = append(errs, "goal id is empty")
	}
	if strings.TrimSpace(m.Goal.Title) == "" {
		errs = append(errs, "goal title is empty")
	}
	if m.Goal.CreatedDate.IsZero() {
		errs = append(errs, "goal createdDate is not set")
	}
	ids := map[string]string{}
	record := func(id, kind string) {
		if id == "" {
			return
		}
		if other, dup := ids[id]; dup {
			errs = append(errs, fmt.Sprintf("duplicate id %s shared by %s and %s", id, other, kind))
			return
		}
		ids[id] = kind
	}
	record(m.Goal.ID, "goal")
	for _, a := range m.FocusAreas {
		if a.ID == "" {
			errs = append(errs, "focus area with empty id")
		}
		if strings.TrimSpace(a.Title) == "" {
			errs = append(errs, fmt.Sprintf("focus area %s has an empty title", a.ID))
		}
		record(a.ID, "focus area")
	}
	for _, t := range m.Tasks {
		if t.ID == "" {
			errs = append(errs, "task with empty id")
		}
		if strings.TrimSpace(t.Title) == "" {
			errs = append(errs, fmt.Sprintf("task %s has an empty title", t.ID))
		}
		if !ValidStatus(t.Status) {
			errs = append(errs, fmt.Sprintf("task %s has unknown status %q", t.ID, t.Status))
		}
		if !ValidPriority(t.Priority) {
			errs = append(errs, fmt.Sprintf("task %s has unknown priority %q", t.ID, t.Priority))
		}
		if t.Status == StatusCompleted && t.CompletedDate == nil {
			errs = append(errs, fmt.Sprintf("task %s is completed but has no completedDate", t.ID))
		}
		if t.Status != StatusCompleted && t.CompletedDate != nil {
			errs = append(errs, fmt.Sprintf("task %s has a completedDate but status %q", t.ID, t.Status))
		}
		record(t.ID, "task")
	}
	return newResult(errs)
}

// ValidateMatrix runs the business-rule, referential and structural checks
// and unions their errors.
func ValidateMatrix(m MatrixData) ValidationResult {
	var errs []string
	errs = append(errs, ValidateHaradaCompliance(m).Errors...)
	errs = append(errs, ValidateReferentialIntegrity(m).Errors...)
	errs = append(errs, ValidateDataStructure(m).Errors...)
	return newResult(errs)
}

// AssertValidMatrix returns a ValidationError carrying every accumulated
// error when the matrix fails any check. It is the hard gate callers run
// before persisting critical changes.
func AssertValidMatrix(m MatrixData) error {
	if res := ValidateMatrix(m); !res.Valid {
		return &ValidationError{Errors: res.Errors}
	}
	return nil
}

// ValidateFocusAreaAddition is the pre-check callers run before
// constructing a new focus area.
func ValidateFocusAreaAddition(m MatrixData) ValidationResult {
	var errs []string
	if len(m.FocusAreas) >= MaxFocusAreas {
		errs = append(errs, fmt.Sprintf("matrix already has the maximum of %d focus areas", MaxFocusAreas))
	}
	return newResult(errs)
}

// ValidateTaskAddition is the pre-check callers run before constructing a
// new task for the given area.
func ValidateTaskAddition(m MatrixData, areaID string) ValidationResult {
	var errs []string
	if len(m.Tasks) >= MaxTasks {
		errs = append(errs, fmt.Sprintf("matrix already has the maximum of %d tasks", MaxTasks))
	}
	count := 0
	for _, t := range m.Tasks {
		if t.AreaID == areaID {
			count++
		}
	}
	if count >= MaxTasksPerArea {
		errs = append(errs, fmt.Sprintf("focus area %s already has the maximum of %d tasks", areaID, MaxTasksPerArea))
	}
	return newResult(errs)
}

// ValidateMatrixIntegrity unites the referential and duplicate-id checks
// into a single result for callers that want a report instead of an error.
func ValidateMatrixIntegrity(m MatrixData) ValidationResult {
	var errs []string
	errs = append(errs, ValidateReferentialIntegrity(m).Errors...)
	errs = append(errs, ValidateDataStructure(m).Errors...)
	return newResult(errs)
}
