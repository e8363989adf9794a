package provider_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/provider"
	"github.com/TheMichaelB/daybook/internal/queue"
	"github.com/TheMichaelB/daybook/internal/remote"
	"github.com/TheMichaelB/daybook/internal/storage"
	"github.com/TheMichaelB/daybook/test/testutil"
)

const identity = "user-1"

var (
	_ provider.Provider = (*provider.LocalOnly)(nil)
	_ provider.Provider = (*provider.RemoteBacked)(nil)

	_ provider.BatchGetter = (*provider.RemoteBacked)(nil)

	errDown = fmt.Errorf("%w: connection refused", models.ErrOffline)
	errAuth = &models.APIError{StatusCode: 401, Code: "unauthorized"}
)

type fixture struct {
	local   *storage.MockStore
	adapter *remote.MockAdapter
	queue   *queue.Queue
	clock   *models.StepClock
	online  bool
	p       *provider.RemoteBacked
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		local:   storage.NewMockStore(),
		adapter: remote.NewMockAdapter(),
		clock:   models.NewStepClock(testutil.T0, time.Second),
		online:  true,
	}
	cfg := queue.DefaultConfig()
	cfg.ReplayDelay = 0
	f.queue = queue.New(queue.NewMemoryLog(), identity, cfg, testutil.NewTestLogger())
	f.p = provider.NewRemoteBacked(f.local, f.adapter, f.queue, provider.Options{
		Clock:  f.clock,
		Online: func() bool { return f.online },
	}, testutil.NewTestLogger())
	return f
}

func (f *fixture) localIDs(t *testing.T, c models.Collection) []string {
	t.Helper()
	records, err := f.local.Get(context.Background(), identity, c)
	require.NoError(t, err)
	return testutil.IDs(models.LiveOnly(records))
}

func (f *fixture) queued(t *testing.T) int {
	t.Helper()
	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	return n
}

func TestLocalOnly(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMockStore()
	clock := models.NewStepClock(testutil.T0, time.Second)
	p := provider.NewLocalOnly(store, models.LocalIdentity, clock, testutil.NewTestLogger())

	assert.False(t, p.SupportsIncrementalSync())
	assert.Equal(t, models.LocalIdentity, p.Identity())

	outcome, err := p.Save(ctx, models.CollectionTasks, []models.Record{{ID: "a"}, testutil.TaskRecord("b", "b", testutil.T0)})
	require.NoError(t, err)
	assert.Equal(t, provider.Sent, outcome)

	since := testutil.T0.Add(time.Hour)
	snap, err := p.Get(ctx, models.CollectionTasks, &since)
	require.NoError(t, err)
	assert.Equal(t, provider.SourceLocal, snap.Source)
	assert.ElementsMatch(t, []string{"a", "b"}, testutil.IDs(snap.Records), "since is ignored")
	for _, r := range snap.Records {
		assert.False(t, r.UpdatedAt.IsZero(), "saved records are stamped")
	}

	_, err = p.Delete(ctx, models.CollectionTasks, "a")
	require.NoError(t, err)

	snap, err = p.Get(ctx, models.CollectionTasks, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, testutil.IDs(snap.Records))

	raw, err := store.Get(ctx, models.LocalIdentity, models.CollectionTasks)
	require.NoError(t, err)
	assert.Len(t, raw, 2, "tombstones are retained")
}

func TestLocalOnlyFatalStorage(t *testing.T) {
	store := storage.NewMockStore()
	store.FailWith(&models.StorageFatalError{Op: "write", Err: errors.New("no space left on device")})
	p := provider.NewLocalOnly(store, models.LocalIdentity, nil, testutil.NewTestLogger())

	outcome, err := p.Save(context.Background(), models.CollectionNotes, []models.Record{{ID: "n"}})

	assert.Equal(t, provider.Failed, outcome)
	assert.True(t, models.IsFatalStorage(err))
}

func TestRemoteBackedSave(t *testing.T) {
	tests := []struct {
		name        string
		online      bool
		remoteErr   error
		wantOutcome provider.Outcome
		wantErr     func(error) bool
		wantQueued  int
		wantUpserts int
	}{
		{
			name:        "online success",
			online:      true,
			wantOutcome: provider.Sent,
			wantUpserts: 1,
		},
		{
			name:        "remote unreachable",
			online:      true,
			remoteErr:   errDown,
			wantOutcome: provider.Queued,
			wantQueued:  1,
			wantUpserts: 1,
		},
		{
			name:        "known offline skips the remote",
			online:      false,
			wantOutcome: provider.Queued,
			wantQueued:  1,
		},
		{
			name:        "unauthorized is not queued",
			online:      true,
			remoteErr:   errAuth,
			wantOutcome: provider.Failed,
			wantErr:     models.IsUnauthorized,
			wantUpserts: 1,
		},
		{
			name:        "validation is not queued",
			online:      true,
			remoteErr:   &models.ValidationError{Reason: "title too long"},
			wantOutcome: provider.Failed,
			wantErr:     models.IsValidation,
			wantUpserts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.online = tt.online
			f.adapter.SetOpErr("upsert", tt.remoteErr)

			outcome, err := f.p.Save(context.Background(), models.CollectionTasks,
				[]models.Record{testutil.TaskRecord("t1", "buy milk", testutil.T0)})

			assert.Equal(t, tt.wantOutcome, outcome)
			if tt.wantErr != nil {
				assert.True(t, tt.wantErr(err), "unexpected error %v", err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, []string{"t1"}, f.localIDs(t, models.CollectionTasks), "local write always happens")
			assert.Equal(t, tt.wantQueued, f.queued(t))
			assert.Equal(t, tt.wantUpserts, f.adapter.CallCount("upsert"))
		})
	}
}

func TestOfflineSaveThenReconnect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online = false
	f.adapter.SetErr(errDown)

	task := models.NewRecord("", time.Time{}, nil)
	outcome, err := f.p.Save(ctx, models.CollectionTasks, []models.Record{task})
	require.NoError(t, err)
	assert.Equal(t, provider.Queued, outcome)

	ids := f.localIDs(t, models.CollectionTasks)
	require.Len(t, ids, 1, "task appears in local reads immediately")
	clientID := ids[0]

	f.online = true
	f.adapter.SetErr(nil)
	res, err := f.queue.Process(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Zero(t, res.Remaining)

	stored, ok := f.adapter.Record(identity, models.CollectionTasks, clientID)
	require.True(t, ok, "remote has the task under its client-generated id")
	assert.False(t, stored.IsTombstone())
}

func TestRemoteBackedDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.p.Save(ctx, models.CollectionNotes, []models.Record{testutil.NoteRecord("n1", "t", "c", testutil.T0)})
	require.NoError(t, err)

	outcome, err := f.p.Delete(ctx, models.CollectionNotes, "n1")
	require.NoError(t, err)
	assert.Equal(t, provider.Sent, outcome)

	assert.Empty(t, f.localIDs(t, models.CollectionNotes))
	stored, ok := f.adapter.Record(identity, models.CollectionNotes, "n1")
	require.True(t, ok)
	assert.True(t, stored.IsTombstone())
}

func TestQueuedDeleteReplaysAfterCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.online = false

	_, err := f.p.Save(ctx, models.CollectionTasks, []models.Record{testutil.TaskRecord("t1", "x", testutil.T0)})
	require.NoError(t, err)
	_, err = f.p.Delete(ctx, models.CollectionTasks, "t1")
	require.NoError(t, err)

	items, err := f.queue.Items(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, models.ItemType(models.MutationUpsert, models.CollectionTasks), items[0].Type)
	assert.Equal(t, models.ItemType(models.MutationDelete, models.CollectionTasks), items[1].Type)

	f.online = true
	_, err = f.queue.Process(ctx)
	require.NoError(t, err)

	var ops []string
	for _, c := range f.adapter.Calls() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []string{"upsert", "delete"}, ops)
	stored, _ := f.adapter.Record(identity, models.CollectionTasks, "t1")
	assert.True(t, stored.IsTombstone())
}

func TestRemoteBackedGetFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("offline serves local without error", func(t *testing.T) {
		f := newFixture(t)
		f.online = false
		_, err := f.p.Save(ctx, models.CollectionTasks, []models.Record{testutil.TaskRecord("t1", "x", testutil.T0)})
		require.NoError(t, err)
		f.adapter.SetErr(errDown)

		snap, err := f.p.Get(ctx, models.CollectionTasks, nil)

		require.NoError(t, err)
		assert.Equal(t, provider.SourceLocal, snap.Source)
		assert.Equal(t, []string{"t1"}, testutil.IDs(snap.Records))
	})

	t.Run("unauthorized serves local with error", func(t *testing.T) {
		f := newFixture(t)
		f.local.Seed(identity, models.CollectionTasks, testutil.TaskRecord("t1", "x", testutil.T0))
		f.adapter.SetErr(errAuth)

		snap, err := f.p.Get(ctx, models.CollectionTasks, nil)

		assert.True(t, models.IsUnauthorized(err))
		assert.False(t, models.IsOffline(err))
		assert.Equal(t, provider.SourceLocal, snap.Source)
		assert.Equal(t, []string{"t1"}, testutil.IDs(snap.Records))
	})
}

func TestFullFetchKeepsPendingRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.local.Seed(identity, models.CollectionTasks, testutil.TaskRecord("stale", "removed remotely", testutil.T0))
	f.adapter.Seed(identity, models.CollectionTasks, testutil.TaskRecord("a", "remote", testutil.T0))

	f.online = false
	_, err := f.p.Save(ctx, models.CollectionTasks, []models.Record{testutil.TaskRecord("pending", "offline", testutil.T0.Add(time.Hour))})
	require.NoError(t, err)
	f.online = true

	snap, err := f.p.Get(ctx, models.CollectionTasks, nil)

	require.NoError(t, err)
	assert.Equal(t, provider.SourceRemote, snap.Source)
	assert.ElementsMatch(t, []string{"a", "pending"}, testutil.IDs(snap.Records))
	assert.Equal(t, testutil.T0, snap.Newest, "only remote records count")
	assert.ElementsMatch(t, []string{"a", "pending"}, f.localIDs(t, models.CollectionTasks))
}

func TestIncrementalFetchLastWriterWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	t1 := testutil.T0
	t2 := t1.Add(time.Minute)

	f.local.Seed(identity, models.CollectionNotes,
		testutil.NoteRecord("newer-local", "local", "", t2),
		testutil.NoteRecord("older-local", "local", "", t1),
		testutil.NoteRecord("removed", "x", "", t1),
	)
	f.adapter.Seed(identity, models.CollectionNotes,
		testutil.NoteRecord("newer-local", "remote", "", t1.Add(time.Second)),
		testutil.NoteRecord("older-local", "remote", "", t2),
		testutil.NoteRecord("removed", "x", "", t1).Tombstone(t2),
		testutil.NoteRecord("fresh", "remote", "", t2),
	)

	snap, err := f.p.Get(ctx, models.CollectionNotes, &t1)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 4, "the delta is returned with tombstones")

	records, err := f.local.Get(ctx, identity, models.CollectionNotes)
	require.NoError(t, err)
	byID := map[string]models.Record{}
	for _, r := range records {
		byID[r.ID] = r
	}

	note, _ := models.DecodeNote(byID["newer-local"])
	assert.Equal(t, "local", note.Title)
	note, _ = models.DecodeNote(byID["older-local"])
	assert.Equal(t, "remote", note.Title)
	assert.True(t, byID["removed"].IsTombstone())
	assert.Contains(t, byID, "fresh")
}

func TestGetMany(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.adapter.Seed(identity, models.CollectionTasks, testutil.TaskRecord("t", "x", testutil.T0))
	f.adapter.Seed(identity, models.CollectionHabits, testutil.TaskRecord("h", "x", testutil.T0))

	snaps, err := f.p.GetMany(ctx, map[models.Collection]*time.Time{
		models.CollectionTasks:  nil,
		models.CollectionHabits: nil,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, testutil.IDs(snaps[models.CollectionTasks].Records))
	assert.Equal(t, []string{"h"}, testutil.IDs(snaps[models.CollectionHabits].Records))
	assert.Equal(t, 1, f.adapter.CallCount("changes"))

	f.adapter.SetErr(errDown)
	snaps, err = f.p.GetMany(ctx, map[models.Collection]*time.Time{models.CollectionTasks: nil})
	require.NoError(t, err)
	assert.Equal(t, provider.SourceLocal, snaps[models.CollectionTasks].Source)
	assert.Equal(t, []string{"t"}, testutil.IDs(snaps[models.CollectionTasks].Records))
}

func TestStartDrainsLeftoverQueue(t *testing.T) {
	ctx := context.Background()
	log := queue.NewMemoryLog()
	item, err := models.NewUpsertItem(identity, models.CollectionJournal,
		[]models.Record{testutil.NoteRecord("j1", "entry", "", testutil.T0)})
	require.NoError(t, err)
	_, err = log.Append(ctx, item)
	require.NoError(t, err)

	adapter := remote.NewMockAdapter()
	q := queue.New(log, identity, queue.Config{MaxAttempts: 3}, testutil.NewTestLogger())
	p := provider.NewRemoteBacked(storage.NewMockStore(), adapter, q, provider.Options{}, testutil.NewTestLogger())

	res, err := p.Start(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	_, ok := adapter.Record(identity, models.CollectionJournal, "j1")
	assert.True(t, ok)
}

func TestRemoteBackedScopesCallsToIdentity(t *testing.T) {
	adapter := &testutil.MockAdapter{}
	adapter.On("UpsertBatch", mock.Anything, identity, models.CollectionHabitLogs,
		mock.MatchedBy(func(records []models.Record) bool {
			return len(records) == 1 && records[0].ID == "log-1"
		})).Return(nil).Once()

	q := queue.New(queue.NewMemoryLog(), identity, queue.DefaultConfig(), testutil.NewTestLogger())
	p := provider.NewRemoteBacked(storage.NewMockStore(), adapter, q, provider.Options{}, testutil.NewTestLogger())

	outcome, err := p.Save(context.Background(), models.CollectionHabitLogs,
		[]models.Record{testutil.TaskRecord("log-1", "done", testutil.T0)})

	require.NoError(t, err)
	assert.Equal(t, provider.Sent, outcome)
	testutil.AssertMockExpectations(t, adapter)
}
