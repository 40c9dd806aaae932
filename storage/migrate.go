package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Version is a three-component schema version. Comparison is ordinal per
// component, never a string compare.
type Version struct {
	Major int
	Minor int
	Patch int
}

// ParseVersion parses a "major.minor.patch" string.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid version %q: want major.minor.patch", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version %q: component %q is not a non-negative integer", s, p)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 as v is less than, equal to or greater than o.
func (v Version) Compare(o Version) int {
	pairs := [3][2]int{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}}
	for _, p := range pairs {
		if p[0] < p[1] {
			return -1
		}
		if p[0] > p[1] {
			return 1
		}
	}
	return 0
}

// Document is the loosely typed payload migrations transform. Old schema
// shapes are not statically known, so migrations work on generic maps.
type Document = map[string]any

// Migration transforms a payload from one schema version to the next.
type Migration struct {
	From  Version
	To    Version
	Apply func(Document) (Document, error)
}

// MigrationResult reports the outcome of a migration run.
type MigrationResult struct {
	Success     bool     `json:"success"`
	Applied     []string `json:"appliedMigrations"`
	Errors      []string `json:"errors"`
	FromVersion string   `json:"fromVersion"`
	ToVersion   string   `json:"toVersion"`
}

// Registry holds migrations keyed by their "from->to" version pair.
type Registry struct {
	current    Version
	migrations map[string]Migration
}

// NewRegistry creates an empty registry targeting the given current version.
func NewRegistry(current Version) *Registry {
	return &Registry{current: current, migrations: map[string]Migration{}}
}

// Current returns the schema version the registry migrates toward.
func (r *Registry) Current() Version { return r.current }

// Register adds a migration to the registry.
func (r *Registry) Register(m Migration) {
	r.migrations[migrationKey(m.From, m.To)] = m
}

func migrationKey(from, to Version) string {
	return from.String() + "->" + to.String()
}

// next returns the registered migration out of from, trying the patch
// increment first, then the minor and major rollovers.
func (r *Registry) next(from Version) (Migration, bool) {
	candidates := []Version{
		{Major: from.Major, Minor: from.Minor, Patch: from.Patch + 1},
		{Major: from.Major, Minor: from.Minor + 1},
		{Major: from.Major + 1},
	}
	for _, to := range candidates {
		if to.Compare(r.current) > 0 {
			continue
		}
		if m, ok := r.migrations[migrationKey(from, to)]; ok {
			return m, true
		}
	}
	return Migration{}, false
}

// Migrate walks the chain from the stored version to the current one and
// applies each transformation in order on a working copy. The input document
// is never mutated; on any failure the result reports the errors and the
// caller keeps its original payload.
func (r *Registry) Migrate(doc Document, from Version) (Document, MigrationResult, error) {
	result := MigrationResult{
		Applied:     []string{},
		Errors:      []string{},
		FromVersion: from.String(),
		ToVersion:   r.current.String(),
	}

	switch from.Compare(r.current) {
	case 0:
		result.Success = true
		return doc, result, nil
	case 1:
		err := fmt.Errorf("stored data version %s is newer than schema version %s; refusing to downgrade", from, r.current)
		result.Errors = append(result.Errors, err.Error())
		return nil, result, err
	}

	working, err := cloneDocument(doc)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return nil, result, err
	}

	cur := from
	for cur.Compare(r.current) < 0 {
		m, ok := r.next(cur)
		if !ok {
			missing := migrationKey(cur, Version{Major: cur.Major, Minor: cur.Minor, Patch: cur.Patch + 1})
			err := fmt.Errorf("missing migration %s toward %s", missing, r.current)
			result.Errors = append(result.Errors, err.Error())
			return nil, result, err
		}
		migrated, err := m.Apply(working)
		if err != nil {
			err = fmt.Errorf("migration %s failed: %w", migrationKey(m.From, m.To), err)
			result.Errors = append(result.Errors, err.Error())
			return nil, result, err
		}
		working = migrated
		result.Applied = append(result.Applied, migrationKey(m.From, m.To))
		cur = m.To
	}

	result.Success = true
	return working, result, nil
}

func cloneDocument(doc Document) (Document, error) {
	raw, err := sonic.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("cloning payload for migration: %w", err)
	}
	var out Document
	if err := sonic.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("cloning payload for migration: %w", err)
	}
	return out, nil
}

// DefaultRegistry returns the registry for the current schema. Version
// 0.9.0 predates task priorities; 0.9.1 still tracked completion with a
// boolean done flag instead of the status enum.
func DefaultRegistry() *Registry {
	r := NewRegistry(CurrentSchemaVersion)

	r.Register(Migration{
		From: Version{0, 9, 0},
		To:   Version{0, 9, 1},
		Apply: func(doc Document) (Document, error) {
			tasks, err := taskList(doc)
			if err != nil {
				return nil, err
			}
			for _, t := range tasks {
				if _, ok := t["priority"]; !ok {
					t["priority"] = "medium"
				}
			}
			return doc, nil
		},
	})

	r.Register(Migration{
		From: Version{0, 9, 1},
		To:   Version{1, 0, 0},
		Apply: func(doc Document) (Document, error) {
			tasks, err := taskList(doc)
			if err != nil {
				return nil, err
			}
			stamp := time.Now().UTC().Format(time.RFC3339)
			for _, t := range tasks {
				if _, ok := t["status"]; ok {
					delete(t, "done")
					continue
				}
				done, _ := t["done"].(bool)
				if done {
					t["status"] = "completed"
					if _, ok := t["completedDate"]; !ok {
						t["completedDate"] = stamp
					}
				} else {
					t["status"] = "pending"
				}
				delete(t, "done")
			}
			return doc, nil
		},
	})

	return r
}

func taskList(doc Document) ([]Document, error) {
	raw, ok := doc["tasks"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("tasks is not a list")
	}
	out := make([]Document, 0, len(list))
	for _, item := range list {
		t, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("task entry is not an object")
		}
		out = append(out, t)
	}
	return out, nil
}
