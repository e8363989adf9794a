package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MutationKind is the kind of remote mutation a queue item replays.
type MutationKind string

const (
	MutationUpsert MutationKind = "upsert"
	MutationDelete MutationKind = "delete"
)

// QueueItem is a pending remote mutation.
type QueueItem struct {
	Seq       int64           `json:"seq"`
	Identity  string          `json:"identity"`
	Type      string          `json:"type"`
	RecordID  string          `json:"record_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ItemType builds the queue item type for a mutation on a collection.
func ItemType(kind MutationKind, c Collection) string {
	return string(kind) + ":" + string(c)
}

// ParseItemType splits an item type into its kind and collection.
func ParseItemType(t string) (MutationKind, Collection, error) {
	kind, coll, ok := strings.Cut(t, ":")
	if !ok {
		return "", "", fmt.Errorf("malformed queue item type %q", t)
	}
	c := Collection(coll)
	if !c.Valid() {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownCollection, coll)
	}
	switch MutationKind(kind) {
	case MutationUpsert, MutationDelete:
		return MutationKind(kind), c, nil
	default:
		return "", "", fmt.Errorf("unknown mutation kind %q", kind)
	}
}

// UpsertPayload is the payload of an upsert item.
type UpsertPayload struct {
	Records []Record `json:"records"`
}

// DeletePayload is the payload of a soft delete item.
type DeletePayload struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// NewUpsertItem builds a queue item for upserting records into c.
// RecordID is set only for single-record items so they can be coalesced.
func NewUpsertItem(identity string, c Collection, records []Record) (QueueItem, error) {
	payload, err := json.Marshal(UpsertPayload{Records: records})
	if err != nil {
		return QueueItem{}, fmt.Errorf("marshal upsert payload: %w", err)
	}
	item := QueueItem{
		Identity: identity,
		Type:     ItemType(MutationUpsert, c),
		Payload:  payload,
	}
	if len(records) == 1 {
		item.RecordID = records[0].ID
	}
	return item, nil
}

// NewDeleteItem builds a queue item for soft deleting id from c.
func NewDeleteItem(identity string, c Collection, id string, at time.Time) (QueueItem, error) {
	payload, err := json.Marshal(DeletePayload{ID: id, DeletedAt: at.UTC()})
	if err != nil {
		return QueueItem{}, fmt.Errorf("marshal delete payload: %w", err)
	}
	return QueueItem{
		Identity: identity,
		Type:     ItemType(MutationDelete, c),
		RecordID: id,
		Payload:  payload,
	}, nil
}

// RecordIDs lists the record ids an item touches.
func (q QueueItem) RecordIDs() ([]string, error) {
	if q.RecordID != "" {
		return []string{q.RecordID}, nil
	}

	kind, _, err := ParseItemType(q.Type)
	if err != nil {
		return nil, err
	}
	if kind != MutationUpsert {
		return nil, nil
	}

	var p UpsertPayload
	if err := json.Unmarshal(q.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode upsert payload: %w", err)
	}
	ids := make([]string, 0, len(p.Records))
	for _, r := range p.Records {
		ids = append(ids, r.ID)
	}
	return ids, nil
}
