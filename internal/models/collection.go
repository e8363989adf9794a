package models

import (
	"fmt"
	"strings"
)

// Collection names a synchronized entity collection.
type Collection string

const (
	CollectionTasks        Collection = "tasks"
	CollectionRoutines     Collection = "routines"
	CollectionNotes        Collection = "notes"
	CollectionHabits       Collection = "habits"
	CollectionHabitLogs    Collection = "habit_logs"
	CollectionJournal      Collection = "journal"
	CollectionActivityLogs Collection = "activity_logs"
)

var allCollections = []Collection{
	CollectionTasks,
	CollectionRoutines,
	CollectionNotes,
	CollectionHabits,
	CollectionHabitLogs,
	CollectionJournal,
	CollectionActivityLogs,
}

// Collections returns every known collection in a stable order.
func Collections() []Collection {
	out := make([]Collection, len(allCollections))
	copy(out, allCollections)
	return out
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	for _, known := range allCollections {
		if c == known {
			return true
		}
	}
	return false
}

func (c Collection) String() string {
	return string(c)
}

// ParseCollection accepts a collection name, tolerating case and dashes.
func ParseCollection(s string) (Collection, error) {
	c := Collection(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, s)
	}
	return c, nil
}
