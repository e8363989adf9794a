package models

import (
	"bytes"
	"encoding/json"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Record is a synchronized entity. Data carries the collection specific payload.
type Record struct {
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewID returns a client generated record id.
func NewID() string {
	return uuid.NewString()
}

// NewRecord creates a live record stamped at now.
func NewRecord(id string, now time.Time, data json.RawMessage) Record {
	if id == "" {
		id = NewID()
	}
	return Record{
		ID:        id,
		UpdatedAt: now.UTC(),
		Data:      data,
	}
}

// IsTombstone reports whether the record is marked deleted.
func (r Record) IsTombstone() bool {
	return r.DeletedAt != nil
}

// Tombstone returns a deleted copy of r stamped at the given time.
func (r Record) Tombstone(at time.Time) Record {
	at = at.UTC()
	out := r.Clone()
	out.UpdatedAt = at
	out.DeletedAt = &at
	return out
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	if r.DeletedAt != nil {
		d := *r.DeletedAt
		out.DeletedAt = &d
	}
	if r.Data != nil {
		out.Data = append(json.RawMessage(nil), r.Data...)
	}
	return out
}

// Supersedes reports whether r wins against existing under last-writer-wins.
// Ties go to r so re-applying the same version is a no-op.
func (r Record) Supersedes(existing Record) bool {
	return !r.UpdatedAt.Before(existing.UpdatedAt)
}

// SameContent reports whether r and other carry the same data and deletion
// state. Timestamps and JSON formatting are ignored.
func (r Record) SameContent(other Record) bool {
	if r.IsTombstone() != other.IsTombstone() {
		return false
	}
	if len(r.Data) == 0 || len(other.Data) == 0 {
		return len(r.Data) == len(other.Data)
	}

	var a, b interface{}
	if json.Unmarshal(r.Data, &a) != nil || json.Unmarshal(other.Data, &b) != nil {
		return bytes.Equal(r.Data, other.Data)
	}
	return reflect.DeepEqual(a, b)
}

// LiveOnly drops tombstones.
func LiveOnly(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if !r.IsTombstone() {
			out = append(out, r)
		}
	}
	return out
}

// ChangedSince keeps records (tombstones included) updated strictly after since.
func ChangedSince(records []Record, since time.Time) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.UpdatedAt.After(since) {
			out = append(out, r)
		}
	}
	return out
}

// MaxUpdatedAt returns the latest UpdatedAt in records, zero when empty.
func MaxUpdatedAt(records []Record) time.Time {
	var max time.Time
	for _, r := range records {
		if r.UpdatedAt.After(max) {
			max = r.UpdatedAt
		}
	}
	return max
}
