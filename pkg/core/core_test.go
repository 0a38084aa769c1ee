package core

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "core.db"), "test", Options{})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{ValidationError("create", "name is required"), ErrValidation},
		{ConflictError("create", "duplicate"), ErrConflict},
		{NotFound("get", "User/u1"), ErrNotFound},
		{Errorf("relate", ErrReferentialIntegrity, "missing %s", "x"), ErrReferentialIntegrity},
		{WrapError("get", ErrStoreClosed), ErrStoreClosed},
		{EmptyQueryError("search"), ErrValidation},
		{errors.New("disk on fire"), nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err), tt.err.Error())
	}
	assert.True(t, errors.Is(EmptyQueryError("search"), ErrEmptyQuery))
}

func TestStoreErrorMessage(t *testing.T) {
	err := ValidationError("create", "name is required", "age must be a number")
	assert.Equal(t, "sqgraph: create: validation failed (name is required; age must be a number)", err.Error())
	assert.Equal(t, []string{"name is required", "age must be a number"}, Details(err))

	// an inner StoreError keeps its operation
	wrapped := WrapError("outer", err)
	assert.Same(t, err, wrapped)
	assert.Nil(t, WrapError("noop", nil))
}

func TestWithTxRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := FormatTime(Now())

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO _data (type, id, data, created_at, updated_at) VALUES ('T', 'a', '{}', ?, ?)", now, now)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.Panics(t, func() {
		_ = store.WithTx(ctx, func(tx *sql.Tx) error {
			_, _ = tx.ExecContext(ctx, "INSERT INTO _data (type, id, data, created_at, updated_at) VALUES ('T', 'b', '{}', ?, ?)", now, now)
			panic("bad")
		})
	})

	var n int
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM _data").Scan(&n))
	assert.Equal(t, 0, n)

	require.NoError(t, store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO _data (type, id, data, created_at, updated_at) VALUES ('T', 'c', '{}', ?, ?)", now, now)
		return err
	}))
	require.NoError(t, store.DB().QueryRow("SELECT COUNT(*) FROM _data").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestUniqueViolation(t *testing.T) {
	store := newTestStore(t)
	now := FormatTime(Now())
	insert := "INSERT INTO _data (type, id, data, created_at, updated_at) VALUES ('T', 'a', '{}', ?, ?)"
	_, err := store.DB().Exec(insert, now, now)
	require.NoError(t, err)
	_, err = store.DB().Exec(insert, now, now)
	assert.True(t, IsUniqueViolation(err))
	assert.False(t, IsUniqueViolation(errors.New("other")))
}

func TestClosedStore(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "closed.db"), "test", Options{})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Querier()
	assert.ErrorIs(t, err, ErrStoreClosed)
	err = store.WithTx(context.Background(), func(*sql.Tx) error { return nil })
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestTimestampsSortLexically(t *testing.T) {
	a := FormatTime(Now())
	b := FormatTime(Now())
	assert.Len(t, a, len(TimeLayout))
	assert.Less(t, a, b)

	parsed, err := ParseTime(a)
	require.NoError(t, err)
	assert.Equal(t, a, FormatTime(parsed))

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}

func TestIdentifiers(t *testing.T) {
	assert.True(t, ValidIdentifier("address.city"))
	assert.True(t, ValidIdentifier("_x1"))
	assert.False(t, ValidIdentifier("a; DROP TABLE _data"))
	assert.False(t, ValidIdentifier("a..b"))
	assert.False(t, ValidIdentifier(""))

	assert.True(t, ValidTypeName("User"))
	assert.False(t, ValidTypeName("User.Name"))
	assert.Equal(t, "$.address.city", JSONPath("address.city"))
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelInfo).With("namespace", "acme")
	logger.Debug("hidden")
	logger.Info("opened", "path", "/tmp/a b.db")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "namespace=acme")
	assert.Contains(t, out, `path="/tmp/a b.db"`)
	assert.Contains(t, out, ": opened")

	assert.Equal(t, LevelWarn, ParseLogLevel("WARNING"))
	assert.Equal(t, LevelInfo, ParseLogLevel("loud"))
}
