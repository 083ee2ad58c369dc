package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/falcon-scheduler/pkg/types"
)

func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	manager := NewManager(path)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	status, err := types.NewRegisteredStatus(at).Queued(at.Add(time.Second))
	require.NoError(t, err)
	original := Data{
		TakenAt: at,
		Jobs: []types.JobDocument{{
			Definition: types.JobDefinition{
				ID:          "job-001",
				ScheduledAt: at.Add(time.Minute),
				Request:     types.HTTPRequestSpec{URL: "https://example.com/hook", Method: "POST", Body: []byte(`{"a":1}`)},
			},
			Status: status,
			Shards: []string{"2-1", "3-1"},
		}},
		RateLimits: []types.RateLimit{{Key: "tld:example.com", JobID: "job-002", ScheduledAt: at, Shards: []string{"2-0"}}},
	}

	require.NoError(t, manager.Write(original))
	assert.True(t, manager.Exists())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	require.Len(t, loaded.Jobs, 1)
	assert.Equal(t, original.Jobs[0].Definition, loaded.Jobs[0].Definition)
	assert.Equal(t, types.StatusQueued, loaded.Jobs[0].Status.Value)
	assert.Equal(t, original.RateLimits, loaded.RateLimits)
}

func TestLoadMissingFile(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "absent.json"))
	data, err := manager.Load()
	require.NoError(t, err)
	assert.Empty(t, data.Jobs)
	assert.False(t, manager.Exists())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr error
	}{
		{name: "corrupted", content: `{"schema_version": 2, "jobs": [`, wantErr: ErrCorruptedSnapshot},
		{name: "old schema", content: `{"schema_version": 1, "jobs": []}`, wantErr: ErrIncompatibleVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "snap.json")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			_, err := NewManager(path).Load()
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
