package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/daybook/internal/cache"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/test/testutil"
)

func TestMergeFirstLoadDropsTombstones(t *testing.T) {
	incoming := []models.Record{
		testutil.TaskRecord("a", "a", testutil.T0),
		testutil.TaskRecord("b", "b", testutil.T0).Tombstone(testutil.T0),
	}

	m := cache.Merge(nil, incoming)

	assert.Equal(t, []string{"a"}, testutil.IDs(m.Sorted()))
}

func TestMergeRules(t *testing.T) {
	t1 := testutil.T0
	t2 := t1.Add(time.Minute)

	tests := []struct {
		name     string
		mirror   []models.Record
		incoming []models.Record
		wantIDs  []string
		check    func(t *testing.T, m cache.Mirror)
	}{
		{
			name:     "live record inserts",
			mirror:   []models.Record{testutil.TaskRecord("a", "a", t1)},
			incoming: []models.Record{testutil.TaskRecord("b", "b", t1)},
			wantIDs:  []string{"a", "b"},
		},
		{
			name:     "newer record replaces",
			mirror:   []models.Record{testutil.TaskRecord("a", "old", t1)},
			incoming: []models.Record{testutil.TaskRecord("a", "new", t2)},
			wantIDs:  []string{"a"},
			check: func(t *testing.T, m cache.Mirror) {
				task, _ := models.DecodeTask(m["a"])
				assert.Equal(t, "new", task.Title)
			},
		},
		{
			name:     "stale record is ignored",
			mirror:   []models.Record{testutil.TaskRecord("a", "current", t2)},
			incoming: []models.Record{testutil.TaskRecord("a", "stale", t1)},
			wantIDs:  []string{"a"},
			check: func(t *testing.T, m cache.Mirror) {
				task, _ := models.DecodeTask(m["a"])
				assert.Equal(t, "current", task.Title)
			},
		},
		{
			name:     "tombstone at the same instant removes",
			mirror:   []models.Record{testutil.TaskRecord("a", "a", t2)},
			incoming: []models.Record{testutil.TaskRecord("a", "a", t1).Tombstone(t2)},
			wantIDs:  []string{},
		},
		{
			name:     "older tombstone keeps the record",
			mirror:   []models.Record{testutil.TaskRecord("a", "a", t2)},
			incoming: []models.Record{testutil.TaskRecord("a", "a", t1).Tombstone(t1)},
			wantIDs:  []string{"a"},
		},
		{
			name:   "stale live copy later in the batch does not resurrect",
			mirror: []models.Record{testutil.TaskRecord("a", "a", t1)},
			incoming: []models.Record{
				testutil.TaskRecord("a", "a", t1).Tombstone(t2),
				testutil.TaskRecord("a", "a", t1),
			},
			wantIDs: []string{},
		},
		{
			name:     "tombstone of unknown id is a no-op",
			mirror:   []models.Record{testutil.TaskRecord("a", "a", t1)},
			incoming: []models.Record{testutil.TaskRecord("z", "z", t1).Tombstone(t2)},
			wantIDs:  []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mirror := cache.Merge(nil, tt.mirror)
			before := len(mirror)

			got := cache.Merge(mirror, tt.incoming)

			assert.Equal(t, tt.wantIDs, testutil.IDs(got.Sorted()))
			assert.Len(t, mirror, before, "input mirror is not modified")
			if tt.check != nil {
				tt.check(t, got)
			}
		})
	}
}

func TestMergeIdempotent(t *testing.T) {
	base := cache.Merge(nil, []models.Record{
		testutil.TaskRecord("a", "a", testutil.T0),
		testutil.NoteRecord("b", "b", "", testutil.T0),
	})
	r := testutil.TaskRecord("a", "edited", testutil.T0.Add(time.Second))

	once := cache.Merge(base, []models.Record{r})
	twice := cache.Merge(once, []models.Record{r})

	assert.Equal(t, once, twice)
}

func TestMergeCommutativeForDisjointIDs(t *testing.T) {
	base := cache.Merge(nil, []models.Record{testutil.TaskRecord("a", "a", testutil.T0)})
	x := testutil.TaskRecord("x", "x", testutil.T0.Add(time.Second))
	y := testutil.TaskRecord("a", "a", testutil.T0).Tombstone(testutil.T0.Add(2 * time.Second))

	xy := cache.Merge(cache.Merge(base, []models.Record{x}), []models.Record{y})
	yx := cache.Merge(cache.Merge(base, []models.Record{y}), []models.Record{x})

	assert.Equal(t, xy, yx)
}

func TestMirrorWithIgnoresTimestamps(t *testing.T) {
	t1 := testutil.T0
	m := cache.Merge(nil, []models.Record{
		testutil.TaskRecord("a", "server copy", t1.Add(time.Minute)),
		testutil.TaskRecord("b", "b", t1),
	})

	next := m.With([]models.Record{
		testutil.TaskRecord("a", "local edit", t1),
		testutil.TaskRecord("b", "b", t1).Tombstone(t1),
	})

	assert.Equal(t, []string{"a"}, testutil.IDs(next.Sorted()))
	assert.Equal(t, t1, next["a"].UpdatedAt)
	assert.Len(t, m, 2, "the receiver is not modified")
}
