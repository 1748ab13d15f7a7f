package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*RedisRemote, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r := NewRedisRemote(RedisOptions{Addr: mr.Addr(), Namespace: "test", Timeout: time.Second})
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func doc(id string) Record {
	return Record{ID: id, Data: json.RawMessage(fmt.Sprintf(`{"id":%q}`, id))}
}

func recordIDs(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

func TestRedisRemote_FetchRestoresSaveOrderAcrossBatches(t *testing.T) {
	t.Parallel()

	// Arrange
	r, _ := newRedis(t)
	ctx := t.Context()
	// ids chosen so that lexical order differs from save order
	require.NoError(t, r.PutBatch(ctx, "holdings", 0, []Record{doc("zeta"), doc("alpha")}))
	require.NoError(t, r.PutBatch(ctx, "holdings", 2, []Record{doc("mid")}))

	// Act
	got, err := r.Fetch(ctx, "holdings")

	// Assert
	require.NoError(t, err)
	require.Equal(t, []string{"zeta", "alpha", "mid"}, recordIDs(got))
	require.JSONEq(t, `{"id":"alpha"}`, string(got[1].Data))
}

func TestRedisRemote_PruneAfterShrink(t *testing.T) {
	t.Parallel()

	// Arrange
	r, mr := newRedis(t)
	ctx := t.Context()
	require.NoError(t, r.PutBatch(ctx, "cash", 0, []Record{doc("a"), doc("b"), doc("c")}))
	require.NoError(t, r.PutBatch(ctx, "cash", 0, []Record{doc("c")}))

	// Act
	require.NoError(t, r.Prune(ctx, "cash", []string{"c"}))

	// Assert
	got, err := r.Fetch(ctx, "cash")
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, recordIDs(got))
	keys, err := mr.HKeys("test:cash")
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, keys)
}

func TestRedisRemote_GetMissAndHit(t *testing.T) {
	t.Parallel()

	r, _ := newRedis(t)
	ctx := t.Context()
	require.NoError(t, r.PutBatch(ctx, "users", 0, []Record{doc("u1")}))

	_, ok, err := r.Get(ctx, "users", "ghost")
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err := r.Get(ctx, "users", "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"id":"u1"}`, string(got.Data))
}

func TestRedisRemote_CorruptValueIsUnavailable(t *testing.T) {
	t.Parallel()

	// Arrange
	r, mr := newRedis(t)
	ctx := t.Context()
	mr.HSet("test:holdings", "x", "not json")

	// Act
	_, fetchErr := r.Fetch(ctx, "holdings")
	_, _, getErr := r.Get(ctx, "holdings", "x")

	// Assert
	require.ErrorIs(t, fetchErr, ErrRemoteUnavailable)
	require.ErrorIs(t, getErr, ErrRemoteUnavailable)
}

func TestRedisRemote_DeleteAndClear(t *testing.T) {
	t.Parallel()

	r, mr := newRedis(t)
	ctx := t.Context()
	require.NoError(t, r.PutBatch(ctx, "documents", 0, []Record{doc("a"), doc("b")}))

	require.NoError(t, r.Delete(ctx, "documents", "a"))
	got, err := r.Fetch(ctx, "documents")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, recordIDs(got))

	require.NoError(t, r.Clear(ctx, "documents"))
	require.False(t, mr.Exists("test:documents"))
}

func TestRedisRemote_PingReportsDownServer(t *testing.T) {
	t.Parallel()

	// Arrange
	r, mr := newRedis(t)
	require.NoError(t, r.Ping(t.Context()))
	mr.Close()

	// Act
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	err := r.Ping(ctx)

	// Assert
	require.ErrorIs(t, err, ErrRemoteUnavailable)
}
