package artifacts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSumIsStable(t *testing.T) {
	content := []byte("hostname core-sw1\ninterface Gi0/1\n")
	assert.Equal(t, Sum(content), Sum(content))
	assert.Len(t, Sum(content), 64)
	assert.NotEqual(t, Sum(content), Sum([]byte("other")))
}

func TestPutHasGet(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	content := []byte("running-config contents")
	hash := Sum(content)

	ok, err := store.Has(hash)
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := store.Put(hash, content)
	require.NoError(t, err)
	assert.True(t, stored, "first put should write a new blob")

	ok, err = store.Has(hash)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestPutDedupesByHash(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	content := []byte("identical config")
	hash := Sum(content)

	stored, err := store.Put(hash, content)
	require.NoError(t, err)
	assert.True(t, stored)

	// Second put of the same content is a no-op.
	stored, err = store.Put(hash, content)
	require.NoError(t, err)
	assert.False(t, stored, "second put of identical content should not write")
}

func TestGetMissing(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(Sum([]byte("never stored")))
	assert.Error(t, err)
}

func TestInvalidHash(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put("ab", []byte("x"))
	assert.Error(t, err)
	_, err = store.Has("")
	assert.Error(t, err)
}
