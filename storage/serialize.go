package storage

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/deonneon/ohtani-harada/domain"
)

// CurrentSchemaVersion is the schema version every save is written at.
var CurrentSchemaVersion = Version{Major: 1, Minor: 0, Patch: 0}

// Envelope is the persistence wrapper around a matrix.
type Envelope struct {
	Version   string            `json:"version"`
	Data      domain.MatrixData `json:"data"`
	LastSaved time.Time         `json:"lastSaved"`
}

func encodeEnvelope(data domain.MatrixData, savedAt time.Time) ([]byte, error) {
	env := Envelope{
		Version:   CurrentSchemaVersion.String(),
		Data:      data,
		LastSaved: savedAt.UTC(),
	}
	return sonic.ConfigStd.Marshal(env)
}

// decodeEnvelope parses raw JSON into the loosely typed envelope shape and
// extracts the stored version. Parse failures and a missing version field
// are corruption.
func decodeEnvelope(raw []byte) (Document, Version, error) {
	var env Document
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, Version{}, &CorruptionError{Reason: "payload is not valid JSON", Err: err}
	}
	rawVersion, ok := env["version"]
	if !ok {
		return nil, Version{}, &CorruptionError{Reason: "payload has no version field"}
	}
	versionStr, ok := rawVersion.(string)
	if !ok {
		return nil, Version{}, &CorruptionError{Reason: "version field is not a string"}
	}
	version, err := ParseVersion(versionStr)
	if err != nil {
		return nil, Version{}, &CorruptionError{Reason: "unparseable version", Err: err}
	}
	return env, version, nil
}

// requireMatrixShape is the backward-compatibility shim: the payload must
// carry goal, focusAreas and tasks before field-level reconstruction runs.
func requireMatrixShape(data Document) error {
	for _, field := range []string{"goal", "focusAreas", "tasks"} {
		if _, ok := data[field]; !ok {
			return &CorruptionError{Reason: "payload data has no " + field + " field"}
		}
	}
	return nil
}

// reconstructMatrix rebuilds the typed matrix from the loosely typed
// payload, coercing every field explicitly. Unparseable dates and unknown
// status values are corruption.
func reconstructMatrix(data Document) (domain.MatrixData, error) {
	var m domain.MatrixData

	goalDoc, err := asObject(data["goal"], "goal")
	if err != nil {
		return m, err
	}
	m.Goal.ID = coerceString(goalDoc["id"])
	m.Goal.Title = coerceString(goalDoc["title"])
	m.Goal.Description = coerceString(goalDoc["description"])
	created, err := parseStoredDate(goalDoc["createdDate"], "goal createdDate")
	if err != nil {
		return m, err
	}
	if created == nil {
		return m, &CorruptionError{Reason: "goal createdDate is missing"}
	}
	m.Goal.CreatedDate = *created

	areas, err := asList(data["focusAreas"], "focusAreas")
	if err != nil {
		return m, err
	}
	m.FocusAreas = make([]domain.FocusArea, 0, len(areas))
	for i, raw := range areas {
		doc, err := asObject(raw, fmt.Sprintf("focusAreas[%d]", i))
		if err != nil {
			return m, err
		}
		m.FocusAreas = append(m.FocusAreas, domain.FocusArea{
			ID:          coerceString(doc["id"]),
			Title:       coerceString(doc["title"]),
			Description: coerceString(doc["description"]),
			GoalID:      coerceString(doc["goalId"]),
		})
	}

	tasks, err := asList(data["tasks"], "tasks")
	if err != nil {
		return m, err
	}
	m.Tasks = make([]domain.Task, 0, len(tasks))
	for i, raw := range tasks {
		doc, err := asObject(raw, fmt.Sprintf("tasks[%d]", i))
		if err != nil {
			return m, err
		}
		task := domain.Task{
			ID:          coerceString(doc["id"]),
			Title:       coerceString(doc["title"]),
			Description: coerceString(doc["description"]),
			AreaID:      coerceString(doc["areaId"]),
		}

		status := domain.TaskStatus(coerceString(doc["status"]))
		if !domain.ValidStatus(status) {
			return m, &CorruptionError{Reason: fmt.Sprintf("task %s has unknown status %q", task.ID, status)}
		}
		task.Status = status

		priority := domain.TaskPriority(coerceString(doc["priority"]))
		if priority == "" {
			priority = domain.PriorityMedium
		}
		if !domain.ValidPriority(priority) {
			return m, &CorruptionError{Reason: fmt.Sprintf("task %s has unknown priority %q", task.ID, priority)}
		}
		task.Priority = priority

		completed, err := parseStoredDate(doc["completedDate"], fmt.Sprintf("task %s completedDate", task.ID))
		if err != nil {
			return m, err
		}
		// Completion dates exist exactly for completed tasks; stale dates
		// from older payloads are dropped, missing ones are backfilled.
		if status == domain.StatusCompleted {
			if completed == nil {
				now := time.Now().UTC()
				completed = &now
			}
			task.CompletedDate = completed
		}

		m.Tasks = append(m.Tasks, task)
	}

	return m, nil
}

func asObject(v any, field string) (Document, error) {
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, &CorruptionError{Reason: field + " is not an object"}
	}
	return doc, nil
}

func asList(v any, field string) ([]any, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, &CorruptionError{Reason: field + " is not a list"}
	}
	return list, nil
}

// coerceString converts the stored value to a string explicitly rather than
// asserting; old payloads occasionally hold numbers where strings belong.
func coerceString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

// parseStoredDate accepts RFC 3339 strings and epoch-millisecond numbers.
// An absent value yields nil; a present but unparseable one is corruption.
func parseStoredDate(v any, field string) (*time.Time, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		if val == "" {
			return nil, nil
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if t, err := time.Parse(layout, val); err == nil {
				t = t.UTC()
				return &t, nil
			}
		}
		return nil, &CorruptionError{Reason: fmt.Sprintf("%s %q is not a valid date", field, val)}
	case float64:
		t := time.UnixMilli(int64(val)).UTC()
		return &t, nil
	default:
		return nil, &CorruptionError{Reason: fmt.Sprintf("%s has unexpected type %T", field, v)}
	}
}
