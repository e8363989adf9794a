//go:build integration
// +build integration

package integration_test

import (
	"errors"
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

func deviceConfig(t *testing.T, server *testutil.DocServer) *config.Config {
	cfg := testutil.TestConfigWithDir(t.TempDir())
	cfg.API = *server.APIConfig()
	return cfg
}

func openDevice(t *testing.T, cfg *config.Config) *client.Client {
	t.Helper()
	ctx, cancel := testutil.TestContext()
	defer cancel()

	c, err := client.New(ctx, cfg, testutil.NewTestLogger())
	require.NoError(t, err)
	if !c.Auth.SignedIn() {
		_, err = c.Login(ctx, testutil.TestEmail, testutil.TestPassword)
		require.NoError(t, err)
	}
	return c
}

func TestOfflineWritesSurviveRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	server := testutil.NewDocServer()
	defer server.Close()

	ctx, cancel := testutil.TestContext()
	defer cancel()

	cfg := deviceConfig(t, server)
	device := openDevice(t, cfg)

	// Remote goes down
	server.SetFailure(http.StatusServiceUnavailable)

	s := device.Session()
	_, err := s.Coordinator.HydrateTable(ctx, models.CollectionTasks, false)
	require.NoError(t, err)

	for _, title := range []string{"buy milk", "call mum"} {
		outcome, err := s.Coordinator.Save(ctx, models.CollectionTasks, testutil.TaskRecord("", title, testutil.T0))
		require.NoError(t, err)
		assert.Equal(t, provider.Queued, outcome)
	}
	tasks, _ := s.Coordinator.Records(models.CollectionTasks)
	require.Len(t, tasks, 2, "writes are visible locally at once")
	require.NoError(t, device.Close())

	// Restart with the queue on disk
	device = openDevice(t, cfg)
	defer device.Close()
	s = device.Session()
	assert.Equal(t, testutil.TestUserID, s.Identity, "stored token restores the account")

	n, err := s.Queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Remote comes back
	server.SetFailure(0)
	result, err := s.Sync.Reconcile(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Sent)
	assert.Zero(t, result.Remaining)

	remote := server.Documents(testutil.TestUserID, models.CollectionTasks)
	assert.Len(t, remote, 2)
	tasks, _ = s.Coordinator.Records(models.CollectionTasks)
	assert.ElementsMatch(t, testutil.IDs(remote), testutil.IDs(tasks))
}

func TestConcurrentNoteEdits(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	server := testutil.NewDocServer()
	defer server.Close()
	server.Seed(testutil.TestUserID, models.CollectionNotes,
		testutil.NoteRecord("n1", "Plan", "first draft", testutil.T0))

	ctx, cancel := testutil.TestContext()
	defer cancel()

	laptop := openDevice(t, deviceConfig(t, server))
	defer laptop.Close()
	phone := openDevice(t, deviceConfig(t, server))
	defer phone.Close()

	for _, d := range []*client.Client{laptop, phone} {
		_, err := d.Session().Sync.Reconcile(ctx, false)
		require.NoError(t, err)
	}

	// Both open the same version
	laptopEdit, laptopNote, err := laptop.Session().Editor.Open("n1")
	require.NoError(t, err)
	phoneEdit, phoneNote, err := phone.Session().Editor.Open("n1")
	require.NoError(t, err)

	laptopNote.Content = "laptop version"
	outcome, _, err := laptop.Session().Editor.Save(ctx, laptopEdit, laptopNote)
	require.NoError(t, err)
	assert.Equal(t, provider.Sent, outcome)

	// The phone learns about the laptop's save, then tries its own
	_, err = phone.Session().Sync.Reconcile(ctx, true)
	require.NoError(t, err)

	phoneNote.Content = "phone version"
	_, _, err = phone.Session().Editor.Save(ctx, phoneEdit, phoneNote)

	var conflict *models.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "laptop version", conflict.RemoteContent)
	stored, _ := server.Document(testutil.TestUserID, models.CollectionNotes, "n1")
	note, err := models.DecodeNote(stored)
	require.NoError(t, err)
	assert.Equal(t, "laptop version", note.Content, "conflicting save writes nothing")

	// The phone keeps its version
	_, _, err = phone.Session().Editor.ForceOverwrite(ctx, phoneEdit, phoneNote)
	require.NoError(t, err)

	_, err = laptop.Session().Sync.Reconcile(ctx, true)
	require.NoError(t, err)
	current, ok, err := laptop.Session().Coordinator.Lookup(models.CollectionNotes, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	note, err = models.DecodeNote(current)
	require.NoError(t, err)
	assert.Equal(t, "phone version", note.Content)
}
