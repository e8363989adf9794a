package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Note is the payload of a notes record.
type Note struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// Task is the payload of a tasks record.
type Task struct {
	Title string     `json:"title"`
	Done  bool       `json:"done"`
	Due   *time.Time `json:"due,omitempty"`
	Notes string     `json:"notes,omitempty"`
}

// EncodePayload marshals a payload for a record.
func EncodePayload(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodeNote reads the note payload of r.
func DecodeNote(r Record) (Note, error) {
	var n Note
	if len(r.Data) == 0 {
		return n, nil
	}
	if err := json.Unmarshal(r.Data, &n); err != nil {
		return n, fmt.Errorf("decode note %s: %w", r.ID, err)
	}
	return n, nil
}

// DecodeTask reads the task payload of r.
func DecodeTask(r Record) (Task, error) {
	var t Task
	if len(r.Data) == 0 {
		return t, nil
	}
	if err := json.Unmarshal(r.Data, &t); err != nil {
		return t, fmt.Errorf("decode task %s: %w", r.ID, err)
	}
	return t, nil
}

// Fields decodes any payload into a generic map for display.
func Fields(r Record) map[string]interface{} {
	fields := map[string]interface{}{}
	if len(r.Data) > 0 {
		_ = json.Unmarshal(r.Data, &fields)
	}
	return fields
}
