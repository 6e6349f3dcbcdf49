package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voiceagent/models"
)

func TestSpool_PutListRemove(t *testing.T) {
	sp, err := NewSpool(filepath.Join(t.TempDir(), "spool"))
	require.NoError(t, err)

	rec := sampleRecord("CA1", time.Minute,
		models.Exchange{User: "hello", AI: "hi", Timestamp: testEpoch.Add(time.Second)})
	require.NoError(t, sp.Put(rec))
	require.NoError(t, sp.Put(sampleRecord("CA2", time.Second)))

	// Re-spooling the same call replaces the earlier copy.
	rec.Status = models.StatusIncomplete
	require.NoError(t, sp.Put(rec))

	entries, err := sp.List()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "CA1", entries[0].Record.CallSID)
	assert.Equal(t, models.StatusIncomplete, entries[0].Record.Status)
	require.Len(t, entries[0].Record.Exchanges, 1)
	assert.True(t, entries[0].Record.EndTime.Equal(rec.EndTime))

	require.NoError(t, sp.Remove(entries[0]))
	require.NoError(t, sp.Remove(entries[0]))

	entries, err = sp.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "CA2", entries[0].Record.CallSID)

	leftovers, err := filepath.Glob(filepath.Join(sp.Dir(), ".spool-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSpool_CorruptFileIsReported(t *testing.T) {
	sp, err := NewSpool(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, sp.Put(sampleRecord("CA1", time.Second)))
	require.NoError(t, os.WriteFile(filepath.Join(sp.Dir(), "bad.json"), []byte("{not json"), 0o600))

	entries, err := sp.List()
	assert.Error(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "CA1", entries[0].Record.CallSID)
}

func TestSpool_PathIsConfined(t *testing.T) {
	sp, err := NewSpool(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, sp.Dir(), filepath.Dir(sp.path("../../etc/passwd")))
}

func TestNewSpool_RequiresDir(t *testing.T) {
	_, err := NewSpool("")
	assert.Error(t, err)
}
