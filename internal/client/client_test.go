package client_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/daybook/internal/client"
	"github.com/TheMichaelB/daybook/internal/config"
	"github.com/TheMichaelB/daybook/internal/models"
	"github.com/TheMichaelB/daybook/internal/provider"
	"github.com/TheMichaelB/daybook/test/testutil"
)

func newConfig(t *testing.T, server *testutil.DocServer) *config.Config {
	t.Helper()
	cfg := testutil.TestConfigWithDir(t.TempDir())
	if server != nil {
		cfg.API = *server.APIConfig()
	}
	return cfg
}

func TestNewStartsLocalOnly(t *testing.T) {
	ctx := context.Background()
	cfg := newConfig(t, nil)

	c, err := client.New(ctx, cfg, testutil.NewTestLogger())
	require.NoError(t, err)

	s := c.Session()
	assert.True(t, s.Local())
	assert.Equal(t, models.LocalIdentity, s.Identity)
	assert.False(t, s.Provider.SupportsIncrementalSync())

	_, err = s.Coordinator.HydrateTable(ctx, models.CollectionTasks, false)
	require.NoError(t, err)
	outcome, err := s.Coordinator.Save(ctx, models.CollectionTasks, testutil.TaskRecord("t1", "water plants", testutil.T0))
	require.NoError(t, err)
	assert.Equal(t, provider.Sent, outcome)
	_, err = s.Coordinator.Save(ctx, models.CollectionHabits, testutil.TaskRecord("h1", "read", testutil.T0))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	// both tiers survive a restart
	c, err = client.New(ctx, cfg, testutil.NewTestLogger())
	require.NoError(t, err)
	defer c.Close()

	co := c.Session().Coordinator
	require.NoError(t, co.HydrateAll(ctx, false))
	tasks, _ := co.Records(models.CollectionTasks)
	assert.Equal(t, []string{"t1"}, testutil.IDs(tasks))
	habits, _ := co.Records(models.CollectionHabits)
	assert.Equal(t, []string{"h1"}, testutil.IDs(habits))
}

func TestLoginSwitchesSession(t *testing.T) {
	ctx := context.Background()
	server := testutil.NewDocServer()
	defer server.Close()
	server.Seed(testutil.TestUserID, models.CollectionNotes, testutil.NoteRecord("n1", "remote note", "", testutil.T0))

	c, err := client.New(ctx, newConfig(t, server), testutil.NewTestLogger())
	require.NoError(t, err)
	defer c.Close()

	local := c.Session()
	_, err = local.Coordinator.HydrateTable(ctx, models.CollectionTasks, false)
	require.NoError(t, err)
	_, err = local.Coordinator.Save(ctx, models.CollectionTasks, testutil.TaskRecord("local-task", "device only", testutil.T0))
	require.NoError(t, err)

	s, err := c.Login(ctx, testutil.TestEmail, testutil.TestPassword)
	require.NoError(t, err)
	assert.False(t, s.Local())
	assert.Equal(t, testutil.TestUserID, s.Identity)
	assert.True(t, s.Provider.SupportsIncrementalSync())
	assert.NotSame(t, local, s)

	same, err := c.Activate(ctx)
	require.NoError(t, err)
	assert.Same(t, s, same, "unchanged identity keeps the session")

	result, err := s.Sync.Reconcile(ctx, false)
	require.NoError(t, err)
	assert.False(t, result.AuthRequired)

	notes, ok := s.Coordinator.Records(models.CollectionNotes)
	require.True(t, ok)
	assert.Equal(t, []string{"n1"}, testutil.IDs(notes))
	tasks, _ := s.Coordinator.Records(models.CollectionTasks)
	assert.Empty(t, tasks, "local-only records are not shared with the account")

	outcome, err := s.Coordinator.Save(ctx, models.CollectionTasks, testutil.TaskRecord("t-remote", "synced", testutil.T0))
	require.NoError(t, err)
	assert.Equal(t, provider.Sent, outcome)
	_, onServer := server.Document(testutil.TestUserID, models.CollectionTasks, "t-remote")
	assert.True(t, onServer)

	back, err := c.Logout(ctx)
	require.NoError(t, err)
	assert.True(t, back.Local())
	assert.Equal(t, 1, server.Hits("POST logout"))

	require.NoError(t, back.Coordinator.HydrateAll(ctx, false))
	tasks, _ = back.Coordinator.Records(models.CollectionTasks)
	assert.Equal(t, []string{"local-task"}, testutil.IDs(tasks))
}

func TestResetWatermarks(t *testing.T) {
	ctx := context.Background()
	server := testutil.NewDocServer()
	defer server.Close()
	server.Seed(testutil.TestUserID, models.CollectionTasks, testutil.TaskRecord("t1", "x", testutil.T0))

	c, err := client.New(ctx, newConfig(t, server), testutil.NewTestLogger())
	require.NoError(t, err)
	defer c.Close()

	s, err := c.Login(ctx, testutil.TestEmail, testutil.TestPassword)
	require.NoError(t, err)
	_, err = s.Coordinator.HydrateTable(ctx, models.CollectionTasks, false)
	require.NoError(t, err)
	_, ok := s.Coordinator.Watermark(models.CollectionTasks)
	require.True(t, ok)

	require.NoError(t, c.ResetWatermarks())

	_, ok = s.Coordinator.Watermark(models.CollectionTasks)
	assert.False(t, ok)
	_, hydrated := s.Coordinator.Records(models.CollectionTasks)
	assert.False(t, hydrated)
}

func queueTaskWhileServerDown(t *testing.T, cfg *config.Config, server *testutil.DocServer) {
	t.Helper()
	ctx := context.Background()

	c, err := client.New(ctx, cfg, testutil.NewTestLogger())
	require.NoError(t, err)
	s, err := c.Login(ctx, testutil.TestEmail, testutil.TestPassword)
	require.NoError(t, err)

	server.SetFailure(http.StatusServiceUnavailable)
	outcome, err := s.Coordinator.Save(ctx, models.CollectionTasks, testutil.TaskRecord("t-left", "queued", testutil.T0))
	require.NoError(t, err)
	require.Equal(t, provider.Queued, outcome)
	require.NoError(t, c.Close())
	server.SetFailure(0)
}

func TestNewReplaysLeftoverQueue(t *testing.T) {
	ctx := context.Background()
	server := testutil.NewDocServer()
	defer server.Close()
	cfg := newConfig(t, server)
	queueTaskWhileServerDown(t, cfg, server)

	c, err := client.New(ctx, cfg, testutil.NewTestLogger())
	require.NoError(t, err)
	defer c.Close()

	s := c.Session()
	require.False(t, s.Local())
	n, err := s.Queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, onServer := server.Document(testutil.TestUserID, models.CollectionTasks, "t-left")
	assert.True(t, onServer)
}

func TestNewOfflineKeepsLeftoverQueue(t *testing.T) {
	ctx := context.Background()
	server := testutil.NewDocServer()
	defer server.Close()
	cfg := newConfig(t, server)
	queueTaskWhileServerDown(t, cfg, server)

	c, err := client.New(ctx, cfg, testutil.NewTestLogger(), client.WithOffline())
	require.NoError(t, err)
	defer c.Close()

	s := c.Session()
	assert.False(t, s.Monitor.Online())
	n, err := s.Queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, onServer := server.Document(testutil.TestUserID, models.CollectionTasks, "t-left")
	assert.False(t, onServer)
}
