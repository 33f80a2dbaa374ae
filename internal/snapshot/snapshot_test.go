package snapshot

import (
	"context"
	"testing"

	"github.com/caesium-cloud/lumen/internal/config"
	"github.com/caesium-cloud/lumen/internal/models"
	"github.com/caesium-cloud/lumen/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testSettings() config.Settings {
	return config.Settings{
		Label:      "catalog",
		Prompts:    config.Prompts{Templates: []string{"a {color} mug"}},
		Generation: config.Generation{Count: 2, ModelParams: map[string]string{"api_key": "sk", "steps": "30"}},
		Processing: config.Processing{Trim: config.Trim{Enabled: true}},
		Credentials: &config.Credentials{
			APIKey: "sk-live",
		},
	}
}

func TestCaptureStripsCredentials(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := NewStore(db)
	execID := uuid.New()

	settings := testSettings()
	snap, err := Capture(db, execID, settings)
	require.NoError(t, err)
	require.Equal(t, execID, snap.ExecutionID)

	got, err := store.Settings(context.Background(), execID)
	require.NoError(t, err)
	require.Nil(t, got.Credentials)
	require.NotContains(t, got.Generation.ModelParams, "api_key")
	require.Equal(t, "30", got.Generation.ModelParams["steps"])
	require.True(t, got.Processing.Trim.Enabled)

	// the caller's copy is untouched
	require.NotNil(t, settings.Credentials)
	require.Equal(t, "sk", settings.Generation.ModelParams["api_key"])
}

func TestSnapshotIsIsolatedFromLaterEdits(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := NewStore(db)
	execID := uuid.New()

	settings := testSettings()
	_, err := Capture(db, execID, settings)
	require.NoError(t, err)

	settings.Processing.Trim.Enabled = false
	settings.Prompts.Templates[0] = "edited"

	got, err := store.Settings(context.Background(), execID)
	require.NoError(t, err)
	require.True(t, got.Processing.Trim.Enabled)
	require.Equal(t, "a {color} mug", got.Prompts.Templates[0])
}

func TestOneSnapshotPerExecution(t *testing.T) {
	db := testutil.OpenTestDB(t)
	execID := uuid.New()

	_, err := Capture(db, execID, testSettings())
	require.NoError(t, err)
	_, err = Capture(db, execID, testSettings())
	require.Error(t, err)
}

func TestGetAndDelete(t *testing.T) {
	db := testutil.OpenTestDB(t)
	store := NewStore(db)
	execID := uuid.New()

	snap, err := Capture(db, execID, testSettings())
	require.NoError(t, err)

	got, err := store.Get(context.Background(), snap.ID)
	require.NoError(t, err)
	require.Equal(t, "catalog", got.Settings.Data().Label)

	require.NoError(t, Delete(db, execID))
	testutil.AssertCount(t, db, &models.ConfigSnapshot{}, 0)

	_, err = store.ForExecution(context.Background(), execID)
	require.ErrorIs(t, err, ErrNotFound)
}
