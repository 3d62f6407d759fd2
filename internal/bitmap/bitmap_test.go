package bitmap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T, bits int) *FileBacked {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.map")
	b, err := Open(path, bits)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestSetGet(t *testing.T) {
	b := openTemp(t, 64)

	got, err := b.Get(9)
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, b.Set(9, true))
	got, err = b.Get(9)
	require.NoError(t, err)
	assert.True(t, got)

	require.NoError(t, b.Set(9, false))
	got, err = b.Get(9)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestMSBFirstLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.map")
	b, err := Open(path, 16)
	require.NoError(t, err)

	require.NoError(t, b.Set(0, true))
	require.NoError(t, b.Set(15, true))
	require.NoError(t, b.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0x01}, raw)
}

func TestSetRange(t *testing.T) {
	b := openTemp(t, 64)
	require.NoError(t, b.SetRange(5, 27))

	for i := 0; i < 64; i++ {
		got, err := b.Get(i)
		require.NoError(t, err)
		assert.Equal(t, i >= 5 && i < 27, got, "bit %d", i)
	}
}

func TestSetRangeSingleByte(t *testing.T) {
	b := openTemp(t, 16)
	require.NoError(t, b.SetRange(2, 5))
	for i := 0; i < 16; i++ {
		got, err := b.Get(i)
		require.NoError(t, err)
		assert.Equal(t, i >= 2 && i < 5, got, "bit %d", i)
	}
}

func TestBoundsChecks(t *testing.T) {
	b := openTemp(t, 8)
	assert.Error(t, b.Set(8, true))
	_, err := b.Get(-1)
	assert.Error(t, err)
	assert.Error(t, b.SetRange(4, 4))
	assert.Error(t, b.SetRange(0, 9))
}

func TestReopenKeepsBits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.map")
	b, err := Open(path, 32)
	require.NoError(t, err)
	require.NoError(t, b.Set(17, true))
	require.NoError(t, b.Close())

	b, err = Open(path, 32)
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Get(17)
	require.NoError(t, err)
	assert.True(t, got)

	// wrong size is rejected
	_, err = Open(path, 64)
	assert.Error(t, err)
}
