package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beamcode/beamcode/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), 10*time.Millisecond)
	require.NoError(t, err)
	return s
}

func samplePersisted(id string) *types.PersistedSession {
	status := types.StatusIdle
	return &types.PersistedSession{
		ID: id,
		State: types.SessionState{
			SessionID:      id,
			Model:          "sonnet-4",
			CWD:            "/tmp/project",
			PermissionMode: types.PermissionDefault,
			Status:         &status,
		},
		MessageHistory: []*types.UnifiedMessage{
			{
				Type: types.MessageAssistant,
				Role: types.RoleAssistant,
				Content: []types.ContentBlock{
					&types.TextBlock{Type: "text", Text: "hi"},
					&types.ToolUseBlock{Type: "tool_use", ID: "t1", Name: "Bash", Input: map[string]any{"command": "ls"}},
				},
			},
		},
		PendingMessages: []*types.UnifiedMessage{
			{Type: types.MessageUserMessage, Role: types.RoleUser, Content: []types.ContentBlock{&types.TextBlock{Type: "text", Text: "queued"}}},
		},
		PendingPermissions: []types.PendingPermissionEntry{
			{RequestID: "p1", Method: "execCommandApproval", Request: &types.UnifiedMessage{Type: types.MessagePermissionRequest}},
		},
		Archived: true,
	}
}

func TestValidSessionID(t *testing.T) {
	assert.True(t, ValidSessionID(uuid.NewString()))
	assert.False(t, ValidSessionID("not-a-uuid"))
	assert.False(t, ValidSessionID(""))
	// Uppercase is not canonical.
	assert.False(t, ValidSessionID("A2F4E3F0-9B1C-4F6A-8D7E-1234567890AB"))
	// UUID v1 is rejected.
	assert.False(t, ValidSessionID("2e9cf106-6f11-11ee-8c99-0242ac120002"))
}

func TestSaveSyncLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	id := uuid.NewString()
	original := samplePersisted(id)

	require.NoError(t, store.SaveSync(original))

	loaded, err := store.Load(id)
	require.NoError(t, err)
	require.NotNil(t, loaded)

	assert.Equal(t, original.ID, loaded.ID)
	assert.Equal(t, original.State.Model, loaded.State.Model)
	assert.Equal(t, original.Archived, loaded.Archived)
	require.Len(t, loaded.MessageHistory, 1)
	require.Len(t, loaded.MessageHistory[0].Content, 2)
	assert.Equal(t, "hi", loaded.MessageHistory[0].PlainText())
	tool, ok := loaded.MessageHistory[0].Content[1].(*types.ToolUseBlock)
	require.True(t, ok)
	assert.Equal(t, "Bash", tool.Name)
	require.Len(t, loaded.PendingMessages, 1)
	assert.Equal(t, "queued", loaded.PendingMessages[0].PlainText())
	require.Len(t, loaded.PendingPermissions, 1)
	assert.Equal(t, "p1", loaded.PendingPermissions[0].RequestID)
}

func TestDebouncedSaveCoalesces(t *testing.T) {
	store := newTestStore(t)
	id := uuid.NewString()

	for i := 0; i < 10; i++ {
		ps := samplePersisted(id)
		ps.State.NumTurns = i
		store.Save(ps)
	}

	require.Eventually(t, func() bool {
		loaded, err := store.Load(id)
		return err == nil && loaded != nil
	}, time.Second, 5*time.Millisecond)

	loaded, err := store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, 9, loaded.State.NumTurns, "last write wins")
}

func TestInvalidIDRejectedEverywhere(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveSync(&types.PersistedSession{ID: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidID)

	_, err = store.Load("bogus")
	assert.ErrorIs(t, err, ErrInvalidID)

	assert.ErrorIs(t, store.Delete("bogus"), ErrInvalidID)
}

func TestLoadAllIgnoresNonUUIDFiles(t *testing.T) {
	store := newTestStore(t)

	id := uuid.NewString()
	require.NoError(t, store.SaveSync(samplePersisted(id)))

	// Alien files in the directory are skipped with a warning.
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "notes.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "SESSION-1.json"), []byte("{}"), 0644))

	sessions := store.LoadAll()
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].ID)
}

func TestCorruptAndEmptyFilesLoadAsNil(t *testing.T) {
	store := newTestStore(t)

	id := uuid.NewString()
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), id+".json"), []byte("{invalid"), 0644))
	loaded, err := store.Load(id)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	id2 := uuid.NewString()
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), id2+".json"), nil, 0644))
	loaded, err = store.Load(id2)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestMissingFileIsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load(uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrphanTempFilesReaped(t *testing.T) {
	dir := t.TempDir()
	orphan := filepath.Join(dir, uuid.NewString()+".json.tmp")
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0644))

	_, err := New(dir, 0)
	require.NoError(t, err)

	_, statErr := os.Stat(orphan)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAtomicWriteLeavesNoTempFile(t *testing.T) {
	store := newTestStore(t)
	id := uuid.NewString()
	require.NoError(t, store.SaveSync(samplePersisted(id)))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp")
	}

	// The final file is complete, valid JSON.
	data, err := os.ReadFile(filepath.Join(store.Dir(), id+".json"))
	require.NoError(t, err)
	var ps types.PersistedSession
	require.NoError(t, json.Unmarshal(data, &ps))
	assert.Equal(t, id, ps.ID)
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	id := uuid.NewString()
	require.NoError(t, store.SaveSync(samplePersisted(id)))
	require.NoError(t, store.Delete(id))
	require.NoError(t, store.Delete(id))
}

func TestLauncherRoundTrip(t *testing.T) {
	store := newTestStore(t)

	id := uuid.NewString()
	pid := 4242
	records := map[string]*types.LauncherRecord{
		id: {
			SessionID:        id,
			PID:              &pid,
			State:            types.LauncherConnected,
			CWD:              "/srv/app",
			BackendSessionID: "backend-77",
			CreatedAt:        time.Now().UnixMilli(),
			AdapterName:      "claude",
			Name:             "fix the tests",
		},
		"invalid-id": {SessionID: "invalid-id"},
	}

	require.NoError(t, store.SaveLauncherSync(records))

	loaded := store.LoadLauncher()
	require.Len(t, loaded, 1, "invalid ids are dropped")
	rec := loaded[id]
	require.NotNil(t, rec)
	assert.Equal(t, types.LauncherConnected, rec.State)
	assert.Equal(t, "claude", rec.AdapterName)
	assert.Equal(t, "backend-77", rec.BackendSessionID)
	require.NotNil(t, rec.PID)
	assert.Equal(t, 4242, *rec.PID)
}

func TestLoadLauncherCorruptYieldsEmpty(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "launcher.json"), []byte("not json"), 0644))
	assert.Empty(t, store.LoadLauncher())
}
