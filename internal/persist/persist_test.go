package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := NewFallbackFile(filepath.Join(dir, "tunables.json"))

	data := map[string]string{"batteryCap": "50", "bulkV": "14.4"}
	require.NoError(t, f.Save(data))

	got, ok, err := f.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, data, got)
}

func TestFallbackFileMissingReturnsNotOK(t *testing.T) {
	dir := t.TempDir()
	f := NewFallbackFile(filepath.Join(dir, "does-not-exist.json"))

	got, ok, err := f.Load()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestFallbackFileDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.json")
	f := NewFallbackFile(path)
	require.NoError(t, f.Save(map[string]string{"batteryCap": "50"}))

	corrupt := []byte(`{"data":{"batteryCap":"999"},"crc":1}`)
	require.NoError(t, os.WriteFile(path, corrupt, 0644))

	_, _, err := f.Load()
	assert.Error(t, err)
}

func TestBoltStorePutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenBolt(filepath.Join(dir, "store.bolt"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put("batteryCap", []byte("75")))
	v, ok, err := store.Get("batteryCap")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "75", string(v))

	_, ok, err = store.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
