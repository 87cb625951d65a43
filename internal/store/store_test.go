package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_CreatesDB(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"kv", "meta"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "table %s should exist", table)
	}

	version, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, "2", version)
}

func TestNew_ReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = New(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(got))
}

func TestStore_GetPut(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "access_control_offline_queue", []byte(`[]`)))
	require.NoError(t, s.Put(ctx, "access_control_offline_queue", []byte(`[{"id":"1"}]`)))

	got, err := s.Get(ctx, "access_control_offline_queue")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"1"}]`, string(got))
}

func TestStore_MaintainReportsSize(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", make([]byte, 8192)))

	size, err := s.Maintain(ctx)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestMemoryKV(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	_, err := kv.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	in := []byte("abc")
	require.NoError(t, kv.Put(ctx, "k", in))
	in[0] = 'x'

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))

	kv.FailPut = errors.New("disk full")
	assert.Error(t, kv.Put(ctx, "k", []byte("z")))
}
