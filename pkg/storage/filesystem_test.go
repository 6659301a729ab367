package storage

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedStorage(t *testing.T, at time.Time) (*LocalStorage, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewLocalStorage(dir)
	require.NoError(t, err)
	store.now = func() time.Time { return at }
	return store, dir
}

func TestLocalStorageSaveOpen(t *testing.T) {
	store, dir := fixedStorage(t, time.Date(2024, 9, 2, 23, 30, 0, 0, time.UTC))

	rel, err := store.Save("attendance_7A.csv", []byte("x,y\n"))
	require.NoError(t, err)
	assert.Equal(t, "2024/09/02/attendance_7A.csv", rel)

	f, err := store.Open(rel)
	require.NoError(t, err)
	defer f.Close()
	body, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "x,y\n", string(body))

	entries, err := os.ReadDir(filepath.Join(dir, "2024", "09", "02"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = store.Open("../etc/passwd")
	require.Error(t, err)
}

func TestLocalStorageSaveStripsDirectories(t *testing.T) {
	store, _ := fixedStorage(t, time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC))

	rel, err := store.Save("../../escape.csv", []byte("1"))
	require.NoError(t, err)
	assert.Equal(t, "2024/09/02/escape.csv", rel)
}

func TestLocalStorageCleanupPrunesEmptyDays(t *testing.T) {
	now := time.Date(2024, 9, 3, 8, 0, 0, 0, time.UTC)
	store, dir := fixedStorage(t, now.Add(-24*time.Hour))
	oldRel, err := store.Save("old.csv", []byte("1"))
	require.NoError(t, err)
	past := now.Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, filepath.FromSlash(oldRel)), past, past))

	store.now = func() time.Time { return now }
	newRel, err := store.Save("new.csv", []byte("2"))
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(filepath.Join(dir, filepath.FromSlash(newRel)), now, now))

	deleted, err := store.CleanupOlderThan(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"2024/09/02/old.csv"}, deleted)
	assert.NoDirExists(t, filepath.Join(dir, "2024", "09", "02"))
	assert.DirExists(t, filepath.Join(dir, "2024", "09", "03"))
}
