package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/I2PPlus/i2pplus-sub004/internal/storage"
	"github.com/I2PPlus/i2pplus-sub004/internal/storage/filestorage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestData(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("asdf"), 0o600))
	s, err := filestorage.New(dir)
	require.NoError(t, err)

	files := []storage.Entry{
		{Path: []string{"a"}, Length: 4},
		{Path: []string{"sub", "b"}, Length: 1},
		{Path: []string{"empty"}, Length: 0},
		{Path: []string{".pad", "3"}, Length: 3, Padding: true},
		{Path: []string{"c"}, Length: 2},
	}
	d, exists, err := storage.Open(s, files)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, int64(10), d.Len())

	n, err := d.WriteAt([]byte("12345xyz67"), 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	b := make([]byte, 6)
	_, err = d.ReadAt(b, 3)
	require.NoError(t, err)
	assert.Equal(t, "45\x00\x00\x006", string(b))

	_, err = d.ReadAt(b, 5)
	assert.Error(t, err)
	require.NoError(t, d.Close())

	content, err := os.ReadFile(filepath.Join(dir, "sub", "b"))
	require.NoError(t, err)
	assert.Equal(t, "5", string(content))
	_, err = os.Stat(filepath.Join(dir, ".pad"))
	assert.True(t, os.IsNotExist(err))

	d, exists, err = storage.Open(s, files)
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, d.Close())
}
