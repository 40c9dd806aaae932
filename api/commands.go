package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/deonneon/ohtani-harada/domain"
)

// Command is a single write request against the matrix. Data carries the
// entity payload for the given entityType/type pair.
type Command struct {
	EntityType string          `json:"entityType"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// badCommandError reports a command the server cannot interpret.
type badCommandError struct {
	reason string
}

func (e *badCommandError) Error() string { return "bad command: " + e.reason }

// inputRejectedError reports user-correctable validation failures.
type inputRejectedError struct {
	errors []string
}

func (e *inputRejectedError) Error() string {
	return "input rejected: " + strings.Join(e.errors, "; ")
}

type goalUpdatePayload struct {
	GoalID string `json:"goalId"`
	domain.GoalUpdate
}

type areaUpdatePayload struct {
	ID string `json:"id"`
	domain.FocusAreaUpdate
}

type taskUpdatePayload struct {
	ID string `json:"id"`
	domain.TaskUpdate
}

type idPayload struct {
	ID string `json:"id"`
}

type statusPayload struct {
	ID     string            `json:"id"`
	Status domain.TaskStatus `json:"status"`
}

// applyCommand routes one command to the matching CRUD operation and
// returns the resulting matrix. The input matrix is never mutated.
func applyCommand(m domain.MatrixData, cmd Command) (domain.MatrixData, error) {
	switch cmd.EntityType {
	case "goal":
		return applyGoalCommand(m, cmd)
	case "focus-area":
		return applyAreaCommand(m, cmd)
	case "task":
		return applyTaskCommand(m, cmd)
	default:
		return m, &badCommandError{reason: fmt.Sprintf("unknown entity type %q", cmd.EntityType)}
	}
}

func applyGoalCommand(m domain.MatrixData, cmd Command) (domain.MatrixData, error) {
	if cmd.Type != "update" {
		return m, &badCommandError{reason: fmt.Sprintf("unknown goal command %q", cmd.Type)}
	}
	var payload goalUpdatePayload
	if err := decodePayload(cmd.Data, &payload); err != nil {
		return m, err
	}
	if err := validateUpdatedGoal(m, payload); err != nil {
		return m, err
	}
	return domain.UpdateGoal(m, payload.GoalID, payload.GoalUpdate)
}

func validateUpdatedGoal(m domain.MatrixData, payload goalUpdatePayload) error {
	in := domain.GoalInput{Title: m.Goal.Title, Description: m.Goal.Description}
	if payload.Title != nil {
		in.Title = *payload.Title
	}
	if payload.Description != nil {
		in.Description = *payload.Description
	}
	if res := domain.ValidateGoalInput(in); !res.Valid {
		return &inputRejectedError{errors: res.Errors}
	}
	return nil
}

func applyAreaCommand(m domain.MatrixData, cmd Command) (domain.MatrixData, error) {
	switch cmd.Type {
	case "add":
		var in domain.FocusAreaInput
		if err := decodePayload(cmd.Data, &in); err != nil {
			return m, err
		}
		if res := domain.ValidateFocusAreaAddition(m); !res.Valid {
			return m, &inputRejectedError{errors: res.Errors}
		}
		if res := domain.ValidateFocusAreaInput(in); !res.Valid {
			return m, &inputRejectedError{errors: res.Errors}
		}
		return domain.AddFocusArea(m, domain.NewFocusArea(in))
	case "update":
		var payload areaUpdatePayload
		if err := decodePayload(cmd.Data, &payload); err != nil {
			return m, err
		}
		return domain.UpdateFocusArea(m, payload.ID, payload.FocusAreaUpdate)
	case "delete":
		var payload idPayload
		if err := decodePayload(cmd.Data, &payload); err != nil {
			return m, err
		}
		return domain.DeleteFocusArea(m, payload.ID)
	default:
		return m, &badCommandError{reason: fmt.Sprintf("unknown focus-area command %q", cmd.Type)}
	}
}

func applyTaskCommand(m domain.MatrixData, cmd Command) (domain.MatrixData, error) {
	switch cmd.Type {
	case "add":
		var in domain.TaskInput
		if err := decodePayload(cmd.Data, &in); err != nil {
			return m, err
		}
		if res := domain.ValidateTaskAddition(m, in.AreaID); !res.Valid {
			return m, &inputRejectedError{errors: res.Errors}
		}
		if res := domain.ValidateTaskInput(in); !res.Valid {
			return m, &inputRejectedError{errors: res.Errors}
		}
		return domain.AddTask(m, domain.NewTask(in))
	case "update":
		var payload taskUpdatePayload
		if err := decodePayload(cmd.Data, &payload); err != nil {
			return m, err
		}
		return domain.UpdateTask(m, payload.ID, payload.TaskUpdate)
	case "update-status":
		var payload statusPayload
		if err := decodePayload(cmd.Data, &payload); err != nil {
			return m, err
		}
		if !domain.ValidStatus(payload.Status) {
			return m, &badCommandError{reason: fmt.Sprintf("unknown status %q", payload.Status)}
		}
		return domain.UpdateTaskStatus(m, payload.ID, payload.Status)
	case "delete":
		var payload idPayload
		if err := decodePayload(cmd.Data, &payload); err != nil {
			return m, err
		}
		return domain.DeleteTask(m, payload.ID)
	default:
		return m, &badCommandError{reason: fmt.Sprintf("unknown task command %q", cmd.Type)}
	}
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return &badCommandError{reason: "missing command data"}
	}
	if err := sonic.ConfigStd.Unmarshal(raw, out); err != nil {
		return &badCommandError{reason: "invalid command data"}
	}
	return nil
}
