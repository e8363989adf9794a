package conflict_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/daybook/internal/cache"
	"github.com/TheMichaelB/daybook/internal/conflict"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/provider"
	"github.com/TheMichaelB/daybook/internal/queue"
	"github.com/TheMichaelB/daybook/internal/remote"
	"github.com/TheMichaelB/daybook/internal/state"
	"github.com/TheMichaelB/daybook/internal/storage"
	"github.com/TheMichaelB/daybook/test/testutil"
)

const identity = testutil.TestUserID

var (
	at0959   = time.Date(2024, 3, 1, 9, 59, 0, 0, time.UTC)
	at1000   = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	at100005 = time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC)
)

// device is one replica sharing the remote with others.
type device struct {
	clock  *models.StepClock
	co     *cache.Coordinator
	editor *conflict.Editor
	guard  *conflict.SnapshotGuard
}

func newDevice(t *testing.T, adapter remote.Adapter, now time.Time) *device {
	t.Helper()
	clock := models.NewStepClock(now, 0)
	q := queue.New(queue.NewMemoryLog(), identity, queue.DefaultConfig(), testutil.NewTestLogger())
	p := provider.NewRemoteBacked(storage.NewMockStore(), adapter, q, provider.Options{Clock: clock}, testutil.NewTestLogger())
	session, err := cache.NewSession(p, state.NewMockStore())
	require.NoError(t, err)
	co := cache.New(session, cache.Options{Clock: clock}, testutil.NewTestLogger())
	guard := conflict.NewSnapshotGuard(3 * time.Second)
	return &device{
		clock:  clock,
		co:     co,
		guard:  guard,
		editor: conflict.NewEditor(co, guard, clock, testutil.NewTestLogger()),
	}
}

func TestTwoDevicesEditSameNote(t *testing.T) {
	ctx := context.Background()
	adapter := remote.NewMockAdapter()
	adapter.Seed(identity, models.CollectionNotes, testutil.NoteRecord("n1", "Groceries", "milk", at0959))

	a := newDevice(t, adapter, at0959)
	b := newDevice(t, adapter, at0959)
	for _, d := range []*device{a, b} {
		_, err := d.co.HydrateTable(ctx, models.CollectionNotes, false)
		require.NoError(t, err)
	}

	sessionA, _, err := a.editor.Open("n1")
	require.NoError(t, err)
	sessionB, note, err := b.editor.Open("n1")
	require.NoError(t, err)
	assert.Equal(t, "Groceries", note.Title)
	assert.Equal(t, at0959, sessionB.Base)

	a.clock.Set(at1000)
	outcome, lease, err := a.editor.Save(ctx, sessionA, models.Note{Title: "Groceries", Content: "milk, eggs"})
	require.NoError(t, err)
	assert.Equal(t, provider.Sent, outcome)
	assert.NotNil(t, lease)

	// device B learns about the change, e.g. from the change feed
	b.clock.Set(at100005)
	_, err = b.co.HydrateTable(ctx, models.CollectionNotes, true)
	require.NoError(t, err)

	outcome, lease, err = b.editor.Save(ctx, sessionB, models.Note{Title: "Groceries", Content: "milk, bread"})

	assert.Equal(t, provider.Failed, outcome)
	assert.Nil(t, lease)
	var conflictErr *models.ConflictError
	require.True(t, errors.As(err, &conflictErr))
	assert.Equal(t, "n1", conflictErr.RecordID)
	assert.Equal(t, at0959, conflictErr.BaseTimestamp)
	assert.Equal(t, at1000, conflictErr.Remote.UpdatedAt)
	assert.Equal(t, "milk, eggs", conflictErr.RemoteContent)
	assert.Equal(t, "Groceries", conflictErr.RemoteTitle)

	stored, _ := adapter.Record(identity, models.CollectionNotes, "n1")
	remoteNote, _ := models.DecodeNote(stored)
	assert.Equal(t, "milk, eggs", remoteNote.Content, "device A's version is not overwritten")
}

func TestForceOverwrite(t *testing.T) {
	ctx := context.Background()
	adapter := remote.NewMockAdapter()
	adapter.Seed(identity, models.CollectionNotes, testutil.NoteRecord("n1", "t", "v1", at0959))
	d := newDevice(t, adapter, at0959)
	_, err := d.co.HydrateTable(ctx, models.CollectionNotes, false)
	require.NoError(t, err)

	s, _, err := d.editor.Open("n1")
	require.NoError(t, err)

	adapter.Seed(identity, models.CollectionNotes, testutil.NoteRecord("n1", "t", "other device", at1000))
	_, err = d.co.HydrateTable(ctx, models.CollectionNotes, true)
	require.NoError(t, err)

	d.clock.Set(at100005)
	_, _, err = d.editor.Save(ctx, s, models.Note{Title: "t", Content: "mine"})
	require.Error(t, err)

	outcome, lease, err := d.editor.ForceOverwrite(ctx, s, models.Note{Title: "t", Content: "mine"})
	require.NoError(t, err)
	assert.Equal(t, provider.Sent, outcome)
	assert.NotNil(t, lease)
	assert.Equal(t, at100005, s.Base)

	stored, _ := adapter.Record(identity, models.CollectionNotes, "n1")
	note, _ := models.DecodeNote(stored)
	assert.Equal(t, "mine", note.Content)

	_, _, err = d.editor.Save(ctx, s, models.Note{Title: "t", Content: "mine again"})
	assert.NoError(t, err, "the session follows its own writes")
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	adapter := remote.NewMockAdapter()
	adapter.Seed(identity, models.CollectionNotes, testutil.NoteRecord("n1", "t", "v1", at0959))
	d := newDevice(t, adapter, at100005)
	_, err := d.co.HydrateTable(ctx, models.CollectionNotes, false)
	require.NoError(t, err)
	s, _, err := d.editor.Open("n1")
	require.NoError(t, err)

	adapter.Seed(identity, models.CollectionNotes, testutil.NoteRecord("n1", "t", "v2", at1000))
	_, err = d.co.HydrateTable(ctx, models.CollectionNotes, true)
	require.NoError(t, err)

	current, err := d.editor.Discard(s)
	require.NoError(t, err)

	note, _ := models.DecodeNote(current)
	assert.Equal(t, "v2", note.Content)
	assert.Equal(t, at1000, s.Base)
	_, _, err = d.editor.Save(ctx, s, models.Note{Title: "t", Content: "v3"})
	assert.NoError(t, err)
}

func TestSaveBeforeHydrationIsOptimistic(t *testing.T) {
	ctx := context.Background()
	adapter := remote.NewMockAdapter()
	adapter.Seed(identity, models.CollectionNotes, testutil.NoteRecord("n1", "t", "remote", at1000))
	d := newDevice(t, adapter, at100005)

	s, _, err := d.editor.Open("n1")
	require.NoError(t, err)
	assert.False(t, s.Tracked)

	outcome, _, err := d.editor.Save(ctx, s, models.Note{Title: "t", Content: "local"})

	require.NoError(t, err)
	assert.Equal(t, provider.Sent, outcome)
}

func TestOpenMissingNote(t *testing.T) {
	ctx := context.Background()
	d := newDevice(t, remote.NewMockAdapter(), at0959)
	_, err := d.co.HydrateTable(ctx, models.CollectionNotes, false)
	require.NoError(t, err)

	_, _, err = d.editor.Open("nope")

	assert.ErrorIs(t, err, models.ErrRecordNotFound)
}

func TestCreateNote(t *testing.T) {
	ctx := context.Background()
	adapter := remote.NewMockAdapter()
	d := newDevice(t, adapter, at0959)
	_, err := d.co.HydrateTable(ctx, models.CollectionNotes, false)
	require.NoError(t, err)

	s := d.editor.Create()
	require.NotEmpty(t, s.ID)

	_, _, err = d.editor.Save(ctx, s, models.Note{Title: "new"})
	require.NoError(t, err)

	_, ok := adapter.Record(identity, models.CollectionNotes, s.ID)
	assert.True(t, ok)
	assert.Equal(t, at0959, s.Base)
}

func TestSnapshotSuppressedAfterManualSave(t *testing.T) {
	ctx := context.Background()
	adapter := remote.NewMockAdapter()
	d := newDevice(t, adapter, at1000)
	_, err := d.co.HydrateTable(ctx, models.CollectionNotes, false)
	require.NoError(t, err)
	s := d.editor.Create()

	wrote, err := d.editor.Snapshot(ctx, s, models.Note{Title: "draft"})
	require.NoError(t, err)
	assert.True(t, wrote)

	_, lease, err := d.editor.Save(ctx, s, models.Note{Title: "final"})
	require.NoError(t, err)

	d.clock.Set(at1000.Add(time.Second))
	wrote, err = d.editor.Snapshot(ctx, s, models.Note{Title: "stale draft"})
	require.NoError(t, err)
	assert.False(t, wrote, "manual save holds the lease")

	stored, _ := adapter.Record(identity, models.CollectionNotes, s.ID)
	note, _ := models.DecodeNote(stored)
	assert.Equal(t, "final", note.Title)

	lease.Release()
	wrote, err = d.editor.Snapshot(ctx, s, models.Note{Title: "after release"})
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestSnapshotGuard(t *testing.T) {
	g := conflict.NewSnapshotGuard(time.Second)
	now := at1000

	assert.True(t, g.Allow("n", now))

	lease := g.Acquire("n", now)
	assert.Equal(t, now.Add(time.Second), lease.Expires)
	assert.False(t, g.Allow("n", now.Add(500*time.Millisecond)))
	assert.True(t, g.Allow("other", now), "leases are per record")
	assert.True(t, g.Allow("n", now.Add(time.Second)), "expired")

	second := g.Acquire("n", now)
	third := g.Acquire("n", now)
	second.Release()
	assert.False(t, g.Allow("n", now), "one lease still held")
	third.Release()
	third.Release()
	assert.True(t, g.Allow("n", now))

	var nilLease *conflict.Lease
	assert.NotPanics(t, nilLease.Release)
}

func TestServerStampedSaveIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	adapter := remote.NewMockAdapter()
	adapter.Seed(identity, models.CollectionNotes, testutil.NoteRecord("n1", "Plan", "v1", at0959))
	// the backend stamps writes with its own clock, two seconds ahead
	serverNow := at1000.Add(2 * time.Second)
	adapter.ServerTime = func() time.Time { return serverNow }

	d := newDevice(t, adapter, at1000)
	_, err := d.co.HydrateTable(ctx, models.CollectionNotes, false)
	require.NoError(t, err)

	session, _, err := d.editor.Open("n1")
	require.NoError(t, err)
	outcome, _, err := d.editor.Save(ctx, session, models.Note{Title: "Plan", Content: "v2"})
	require.NoError(t, err)
	assert.Equal(t, provider.Sent, outcome)

	// the refresh pulls back this device's own write with the server's time
	_, err = d.co.HydrateTable(ctx, models.CollectionNotes, true)
	require.NoError(t, err)
	current, ok, err := d.co.Lookup(models.CollectionNotes, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, serverNow, current.UpdatedAt)

	outcome, _, err = d.editor.Save(ctx, session, models.Note{Title: "Plan", Content: "v3"})
	require.NoError(t, err)
	assert.Equal(t, provider.Sent, outcome)

	stored, _ := adapter.Record(identity, models.CollectionNotes, "n1")
	note, err := models.DecodeNote(stored)
	require.NoError(t, err)
	assert.Equal(t, "v3", note.Content)

	mirrored, _, err := d.co.Lookup(models.CollectionNotes, "n1")
	require.NoError(t, err)
	note, err = models.DecodeNote(mirrored)
	require.NoError(t, err)
	assert.Equal(t, "v3", note.Content, "the mirror shows the local write")
}

func TestDetectorCheck(t *testing.T) {
	ctx := context.Background()
	adapter := remote.NewMockAdapter()
	adapter.Seed(identity, models.CollectionNotes, testutil.NoteRecord("n1", "t", "c", at0959))
	d := newDevice(t, adapter, at1000)
	_, err := d.co.HydrateTable(ctx, models.CollectionNotes, false)
	require.NoError(t, err)
	detector := conflict.NewDetector(d.co, testutil.NewTestLogger())

	tests := []struct {
		name    string
		session *conflict.EditSession
		wantErr bool
	}{
		{"same version", &conflict.EditSession{Collection: models.CollectionNotes, ID: "n1", Base: at0959, Tracked: true}, false},
		{"base newer than mirror", &conflict.EditSession{Collection: models.CollectionNotes, ID: "n1", Base: at1000, Tracked: true}, false},
		{"mirror newer than base", &conflict.EditSession{Collection: models.CollectionNotes, ID: "n1", Base: at0959.Add(-time.Second), Tracked: true}, true},
		{"mirror newer with the same content", &conflict.EditSession{Collection: models.CollectionNotes, ID: "n1", Base: at0959.Add(-time.Second),
			Original: testutil.NoteRecord("n1", "t", "c", at0959.Add(-time.Second)), Tracked: true}, false},
		{"mirror newer with other content", &conflict.EditSession{Collection: models.CollectionNotes, ID: "n1", Base: at0959.Add(-time.Second),
			Original: testutil.NoteRecord("n1", "t", "draft", at0959.Add(-time.Second)), Tracked: true}, true},
		{"untracked", &conflict.EditSession{Collection: models.CollectionNotes, ID: "n1", Tracked: false}, false},
		{"record gone", &conflict.EditSession{Collection: models.CollectionNotes, ID: "zz", Tracked: true}, false},
		{"collection not hydrated", &conflict.EditSession{Collection: models.CollectionJournal, ID: "j", Tracked: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := detector.Check(tt.session)
			if tt.wantErr {
				var conflictErr *models.ConflictError
				assert.True(t, errors.As(err, &conflictErr))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
