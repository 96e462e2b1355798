package substrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreGetPutScan(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Put("topology", "v1", []byte("snapshot-1")))
	require.NoError(t, s.Put("topology", "v2", []byte("snapshot-2")))

	v, err := s.Get("topology", "v1")
	require.NoError(t, err)
	assert.Equal(t, []byte("snapshot-1"), v)

	_, err = s.Get("topology", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.Scan("topology")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStoreCAS(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.CAS("units/u1", "state", nil, []byte("a")))
	assert.ErrorIs(t, s.CAS("units/u1", "state", nil, []byte("b")), ErrCasConflict)

	require.NoError(t, s.CAS("units/u1", "state", []byte("a"), []byte("b")))
	v, _ := s.Get("units/u1", "state")
	assert.Equal(t, []byte("b"), v)

	assert.ErrorIs(t, s.CAS("units/u1", "state", []byte("a"), []byte("c")), ErrCasConflict)
}
