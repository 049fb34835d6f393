package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Counter uint64            `json:"counter"`
	Clock   map[string]uint64 `json:"clock"`
}

func TestSnapshotStoreRoundTrip(t *testing.T) {
	store, err := NewSnapshotStore(t.TempDir())
	require.NoError(t, err)

	in := snapshot{Counter: 7, Clock: map[string]uint64{"a@10.0.0.1": 3}}
	require.NoError(t, store.Put("a@10.0.0.1", in))

	var out snapshot
	found, err := store.Get("a@10.0.0.1", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, in, out)
}

func TestSnapshotStoreMissingKey(t *testing.T) {
	store, err := NewSnapshotStore(t.TempDir())
	require.NoError(t, err)

	var out snapshot
	found, err := store.Get("nobody@10.0.0.9", &out)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSnapshotStoreOverwrite(t *testing.T) {
	store, err := NewSnapshotStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put("k@1.2.3.4", snapshot{Counter: 1}))
	require.NoError(t, store.Put("k@1.2.3.4", snapshot{Counter: 2}))

	var out snapshot
	found, err := store.Get("k@1.2.3.4", &out)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), out.Counter)
}

func TestSnapshotStoreDelete(t *testing.T) {
	store, err := NewSnapshotStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put("k@1.2.3.4", snapshot{Counter: 1}))
	require.NoError(t, store.Delete("k@1.2.3.4"))
	require.NoError(t, store.Delete("k@1.2.3.4"), "deleting absent keys is fine")

	var out snapshot
	found, _ := store.Get("k@1.2.3.4", &out)
	assert.False(t, found)
}

func TestAutosaverThreshold(t *testing.T) {
	dir := t.TempDir()
	saver, err := NewAutosaver(dir, "a@10.0.0.1", 3, nil, nil)
	require.NoError(t, err)

	saver.Edited("h")
	saver.Edited("he")
	if _, err := os.Stat(saver.Path()); !os.IsNotExist(err) {
		t.Fatal("no write expected below the threshold")
	}

	saver.Edited("hel")
	data, err := os.ReadFile(saver.Path())
	require.NoError(t, err)
	assert.Equal(t, "hel", string(data))

	// The counter resets; the next write happens three edits later.
	saver.Edited("hell")
	saver.Edited("hello")
	data, _ = os.ReadFile(saver.Path())
	assert.Equal(t, "hel", string(data))
	saver.Edited("hello!")
	data, _ = os.ReadFile(saver.Path())
	assert.Equal(t, "hello!", string(data))
}

func TestAutosaverFlushAndHook(t *testing.T) {
	dir := t.TempDir()
	saver, err := NewAutosaver(dir, "a@10.0.0.1", 100, nil, nil)
	require.NoError(t, err)

	hooked := 0
	saver.SetOnFlush(func() { hooked++ })

	saver.Flush("installed content")
	data, err := os.ReadFile(filepath.Join(dir, "a@10.0.0.1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "installed content", string(data))
	assert.Equal(t, 1, hooked)
}
