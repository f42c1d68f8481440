// Package storage holds the pieces shared by the SQL task stores.
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/company-research/internal/research"
)

// TaskRow is the column layout of a persisted task.
type TaskRow struct {
	ID           string
	Kind         string
	Key          string
	Jurisdiction string
	State        string
	Attempts     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Result       []byte
	Error        []byte
}

// EncodeTask flattens task into a row. Result and Error are JSON, nil when
// unset.
func EncodeTask(task research.Task) (TaskRow, error) {
	row := TaskRow{
		ID:           task.ID,
		Kind:         string(task.Subject.Kind),
		Key:          task.Subject.Key,
		Jurisdiction: task.Subject.Jurisdiction,
		State:        string(task.State),
		Attempts:     task.Attempts,
		CreatedAt:    task.CreatedAt.UTC(),
		UpdatedAt:    task.UpdatedAt.UTC(),
	}
	if task.Result != nil {
		data, err := json.Marshal(task.Result)
		if err != nil {
			return TaskRow{}, fmt.Errorf("marshal result: %w", err)
		}
		row.Result = data
	}
	if task.Error != nil {
		data, err := json.Marshal(task.Error)
		if err != nil {
			return TaskRow{}, fmt.Errorf("marshal error: %w", err)
		}
		row.Error = data
	}
	return row, nil
}

// Decode rebuilds the task.
func (r TaskRow) Decode() (research.Task, error) {
	task := research.Task{
		ID: r.ID,
		Subject: research.Subject{
			Kind:         research.Kind(r.Kind),
			Key:          r.Key,
			Jurisdiction: r.Jurisdiction,
		},
		State:     research.State(r.State),
		Attempts:  r.Attempts,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if len(r.Result) > 0 {
		task.Result = &research.Result{}
		if err := json.Unmarshal(r.Result, task.Result); err != nil {
			return research.Task{}, fmt.Errorf("unmarshal result of task %s: %w", r.ID, err)
		}
	}
	if len(r.Error) > 0 {
		task.Error = &research.Failure{}
		if err := json.Unmarshal(r.Error, task.Error); err != nil {
			return research.Task{}, fmt.Errorf("unmarshal error of task %s: %w", r.ID, err)
		}
	}
	return task, nil
}

// StateStrings converts states for SQL parameters.
func StateStrings(states []research.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
