package cache

import (
	"sort"

	"github.com/TheMichaelB/daybook/internal/models"
)

// Mirror is the in-memory copy of one collection keyed by record id.
// A nil Mirror has never been hydrated.
type Mirror map[string]models.Record

// Merge applies incoming to mirror and returns the result; mirror is not
// modified. A live record replaces an existing one unless the existing one
// is newer. A tombstone removes the id under the same rule. Merging into a
// nil mirror yields the live subset of incoming.
func Merge(mirror Mirror, incoming []models.Record) Mirror {
	out := make(Mirror, len(mirror)+len(incoming))
	for id, r := range mirror {
		out[id] = r
	}

	// removed remembers tombstones applied in this batch so a stale live
	// copy later in the same batch cannot resurrect the id
	removed := make(map[string]models.Record)

	for _, r := range incoming {
		if existing, ok := out[r.ID]; ok && !r.Supersedes(existing) {
			continue
		}
		if dead, ok := removed[r.ID]; ok && !r.Supersedes(dead) {
			continue
		}
		if r.IsTombstone() {
			delete(out, r.ID)
			removed[r.ID] = r
			continue
		}
		delete(removed, r.ID)
		out[r.ID] = r.Clone()
	}
	return out
}

// With returns a copy of m with live records written over their ids
// regardless of timestamps. Tombstones remove their id.
func (m Mirror) With(records []models.Record) Mirror {
	out := make(Mirror, len(m)+len(records))
	for id, r := range m {
		out[id] = r
	}
	for _, r := range records {
		if r.IsTombstone() {
			delete(out, r.ID)
			continue
		}
		out[r.ID] = r.Clone()
	}
	return out
}

// Sorted returns the records of m ordered by updatedAt then id.
func (m Mirror) Sorted() []models.Record {
	out := make([]models.Record, 0, len(m))
	for _, r := range m {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}
