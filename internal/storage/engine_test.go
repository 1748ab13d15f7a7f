package storage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"findash/internal/logger"
	"findash/internal/portfolio"
	"findash/internal/storage"
	"findash/internal/storage/storagemock"
)

func rec(id string) storage.Record {
	return storage.Record{ID: id, Data: []byte(fmt.Sprintf(`{"id":%q}`, id))}
}

func ids(recs []storage.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ID
	}
	return out
}

type fixture struct {
	engine *storage.Engine
	local  *storage.SQLiteLocal
	remote *storagemock.MockRemote

	mu      sync.Mutex
	reports []storage.PushReport
}

func (f *fixture) pushReports() []storage.PushReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.PushReport(nil), f.reports...)
}

// newFixture builds an engine over a temp SQLite store. The mock remote is
// linked only when linked is true.
func newFixture(t *testing.T, linked bool, opts storage.Options) *fixture {
	t.Helper()
	local, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "findash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	f := &fixture{local: local, remote: storagemock.NewMockRemote(gomock.NewController(t))}
	link := &storage.CloudLink{}
	if linked {
		link.Set(f.remote)
	}
	opts.Log = logger.Discard().WithField("component", "storage")
	f.engine = storage.NewEngine(local, link, opts)
	f.engine.OnPush = func(r storage.PushReport) {
		f.mu.Lock()
		f.reports = append(f.reports, r)
		f.mu.Unlock()
	}
	t.Cleanup(f.engine.Wait)
	return f
}

func TestSave_FullReplaceLeavesNoResidue(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, false, storage.Options{})
	ctx := t.Context()
	require.NoError(t, f.engine.Save(ctx, portfolio.Holdings, []storage.Record{rec("a"), rec("b"), rec("c")}))

	// Act
	require.NoError(t, f.engine.Save(ctx, portfolio.Holdings, []storage.Record{rec("a"), rec("b")}))
	got, err := f.engine.Get(ctx, portfolio.Holdings)

	// Assert
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids(got))
}

func TestSave_FullReplaceWithRemoteUnavailable(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, true, storage.Options{})
	ctx := t.Context()
	down := fmt.Errorf("%w: dial tcp: refused", storage.ErrRemoteUnavailable)
	f.remote.EXPECT().PutBatch(gomock.Any(), portfolio.Holdings, 0, gomock.Any()).Return(down).Times(2)
	f.remote.EXPECT().Fetch(gomock.Any(), portfolio.Holdings).Return(nil, down)
	require.NoError(t, f.engine.Save(ctx, portfolio.Holdings, []storage.Record{rec("a"), rec("b"), rec("c")}))
	f.engine.Wait()

	// Act
	require.NoError(t, f.engine.Save(ctx, portfolio.Holdings, []storage.Record{rec("a"), rec("b")}))
	f.engine.Wait()
	got, err := f.engine.Get(ctx, portfolio.Holdings)

	// Assert
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids(got))
}

func TestGet_RemoteFailureReturnsLocalUnmodified(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, true, storage.Options{})
	ctx := t.Context()
	require.NoError(t, f.local.Replace(ctx, portfolio.Cash, []storage.Record{rec("x"), rec("y")}))
	f.remote.EXPECT().Fetch(gomock.Any(), portfolio.Cash).Return(nil, errors.New("i/o timeout"))

	// Act
	got, err := f.engine.Get(ctx, portfolio.Cash)

	// Assert
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, ids(got))
	stored, err := f.local.List(ctx, portfolio.Cash)
	require.NoError(t, err)
	require.Equal(t, got, stored)
}

func TestGet_EmptyRemoteKeepsLocal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.Options{})
	ctx := t.Context()
	require.NoError(t, f.local.Replace(ctx, portfolio.Budget, []storage.Record{rec("rent")}))
	f.remote.EXPECT().Fetch(gomock.Any(), portfolio.Budget).Return([]storage.Record{}, nil)

	got, err := f.engine.Get(ctx, portfolio.Budget)

	require.NoError(t, err)
	require.Equal(t, []string{"rent"}, ids(got))
}

func TestGet_NonEmptyRemoteOverwritesLocal(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, true, storage.Options{})
	ctx := t.Context()
	require.NoError(t, f.local.Replace(ctx, portfolio.Holdings, []storage.Record{rec("old")}))
	f.remote.EXPECT().Fetch(gomock.Any(), portfolio.Holdings).Return([]storage.Record{rec("r1"), rec("r2")}, nil)

	// Act
	got, err := f.engine.Get(ctx, portfolio.Holdings)

	// Assert
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2"}, ids(got))
	stored, err := f.local.List(ctx, portfolio.Holdings)
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2"}, ids(stored))
}

func TestGet_DocumentsMergeKeepsLocalOnly(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, true, storage.Options{})
	ctx := t.Context()
	require.NoError(t, f.local.Replace(ctx, portfolio.Documents, []storage.Record{
		{ID: "shared", Data: []byte(`{"id":"shared","name":"local"}`)},
		rec("big-scan"),
	}))
	f.remote.EXPECT().Fetch(gomock.Any(), portfolio.Documents).Return([]storage.Record{
		{ID: "shared", Data: []byte(`{"id":"shared","name":"remote"}`)},
		rec("other-device"),
	}, nil)

	// Act
	got, err := f.engine.Get(ctx, portfolio.Documents)

	// Assert
	require.NoError(t, err)
	require.Equal(t, []string{"shared", "other-device", "big-scan"}, ids(got))
	require.JSONEq(t, `{"id":"shared","name":"remote"}`, string(got[0].Data))
}

func TestSave_OversizedDocumentNeverPushed(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, true, storage.Options{MaxRemoteDocumentBytes: 64})
	ctx := t.Context()
	big := storage.Record{ID: "scan", Data: []byte(`{"id":"scan","content":"` + strings.Repeat("A", 200) + `"}`)}
	small := rec("receipt")

	var sent []storage.Record
	f.remote.EXPECT().PutBatch(gomock.Any(), portfolio.Documents, 0, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, _ int, recs []storage.Record) error {
			sent = recs
			return nil
		})
	f.remote.EXPECT().Prune(gomock.Any(), portfolio.Documents, []string{"receipt", "scan"}).Return(nil)

	// Act
	require.NoError(t, f.engine.Save(ctx, portfolio.Documents, []storage.Record{small, big}))
	f.engine.Wait()

	// Assert
	require.Equal(t, []string{"receipt"}, ids(sent))
	reports := f.pushReports()
	require.Len(t, reports, 1)
	require.Equal(t, 1, reports[0].Skipped)
	require.Equal(t, 1, reports[0].Pushed)

	f.engine.Link().Set(nil)
	got, err := f.engine.Get(ctx, portfolio.Documents)
	require.NoError(t, err)
	require.Equal(t, []string{"receipt", "scan"}, ids(got))
}

func TestSave_PushesInBatchesWithoutRollback(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, true, storage.Options{BatchSize: 2})
	ctx := t.Context()
	items := []storage.Record{rec("1"), rec("2"), rec("3"), rec("4"), rec("5")}
	gomock.InOrder(
		f.remote.EXPECT().PutBatch(gomock.Any(), portfolio.Holdings, 0, items[0:2]).Return(nil),
		f.remote.EXPECT().PutBatch(gomock.Any(), portfolio.Holdings, 2, items[2:4]).Return(errors.New("EXECABORT")),
		f.remote.EXPECT().PutBatch(gomock.Any(), portfolio.Holdings, 4, items[4:5]).Return(nil),
	)

	// Act
	require.NoError(t, f.engine.Save(ctx, portfolio.Holdings, items))
	f.engine.Wait()

	// Assert
	reports := f.pushReports()
	require.Len(t, reports, 1)
	require.Equal(t, 3, reports[0].Batches)
	require.Equal(t, 1, reports[0].Failed)
	require.Equal(t, 3, reports[0].Pushed)
	stored, err := f.local.List(ctx, portfolio.Holdings)
	require.NoError(t, err)
	require.Len(t, stored, 5)
}

func TestSave_RejectsInvalidRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.Options{})
	ctx := t.Context()

	err := f.engine.Save(ctx, portfolio.Cash, []storage.Record{rec("a"), rec("a")})
	require.ErrorIs(t, err, storage.ErrInvalidRecord)

	err = f.engine.Save(ctx, "crypto_wallets", nil)
	require.ErrorIs(t, err, storage.ErrUnknownCollection)
}

func TestSave_LocalFailureSkipsPush(t *testing.T) {
	t.Parallel()

	// Arrange
	ctrl := gomock.NewController(t)
	local := storagemock.NewMockLocal(ctrl)
	remote := storagemock.NewMockRemote(ctrl)
	link := &storage.CloudLink{}
	link.Set(remote)
	e := storage.NewEngine(local, link, storage.Options{Log: logger.Discard().WithField("component", "storage")})
	local.EXPECT().Replace(gomock.Any(), portfolio.Cash, gomock.Any()).Return(errors.New("disk full"))

	// Act
	err := e.Save(t.Context(), portfolio.Cash, []storage.Record{rec("a")})
	e.Wait()

	// Assert
	require.ErrorContains(t, err, "disk full")
}

func TestDelete_RemoteFailureIsNotSurfaced(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.Options{})
	ctx := t.Context()
	require.NoError(t, f.local.Replace(ctx, portfolio.RealEstate, []storage.Record{rec("flat"), rec("house")}))
	f.remote.EXPECT().Delete(gomock.Any(), portfolio.RealEstate, "flat").Return(errors.New("connection reset"))

	require.NoError(t, f.engine.Delete(ctx, portfolio.RealEstate, "flat"))

	stored, err := f.local.List(ctx, portfolio.RealEstate)
	require.NoError(t, err)
	require.Equal(t, []string{"house"}, ids(stored))
}

func TestLookupUser_LocalFirstThenRemoteCached(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, true, storage.Options{})
	ctx := t.Context()
	require.NoError(t, f.local.Put(ctx, portfolio.Users, rec("local-user")))
	f.remote.EXPECT().Get(gomock.Any(), portfolio.Users, "remote-user").Return(rec("remote-user"), true, nil).Times(1)
	f.remote.EXPECT().Get(gomock.Any(), portfolio.Users, "ghost").Return(storage.Record{}, false, nil)

	// Act
	local, errLocal := f.engine.LookupUser(ctx, "local-user")
	first, errFirst := f.engine.LookupUser(ctx, "remote-user")
	second, errSecond := f.engine.LookupUser(ctx, "remote-user")
	_, errGhost := f.engine.LookupUser(ctx, "ghost")

	// Assert
	require.NoError(t, errors.Join(errLocal, errFirst, errSecond))
	require.Equal(t, "local-user", local.ID)
	require.Equal(t, "remote-user", first.ID)
	require.Equal(t, first.ID, second.ID)
	require.ErrorIs(t, errGhost, storage.ErrNotFound)
}

func TestCurrentUser_FollowsSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, storage.Options{})
	ctx := t.Context()

	_, err := f.engine.CurrentUser(ctx)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, f.local.Put(ctx, portfolio.Users, rec("u1")))
	require.NoError(t, f.engine.SetSession(ctx, "u1"))
	u, err := f.engine.CurrentUser(ctx)
	require.NoError(t, err)
	require.Equal(t, "u1", u.ID)

	require.NoError(t, f.engine.ClearSession(ctx))
	_, ok, err := f.engine.Session(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestImport_InvalidBackupWritesNothing(t *testing.T) {
	t.Parallel()

	// Arrange
	f := newFixture(t, false, storage.Options{})
	ctx := t.Context()
	require.NoError(t, f.engine.Save(ctx, portfolio.Holdings, []storage.Record{rec("keep")}))
	backup := storage.Backup{Version: 1, Collections: map[string][]json.RawMessage{
		portfolio.Holdings: {json.RawMessage(`{"id":"new"}`)},
		portfolio.Cash:     {json.RawMessage(`{"institution":"no id"}`)},
	}}

	// Act
	err := f.engine.Import(ctx, backup)

	// Assert
	require.ErrorIs(t, err, storage.ErrInvalidRecord)
	got, err := f.engine.Get(ctx, portfolio.Holdings)
	require.NoError(t, err)
	require.Equal(t, []string{"keep"}, ids(got))
}

func TestExportImport_RestoresIntoFreshStore(t *testing.T) {
	t.Parallel()

	// Arrange
	src := newFixture(t, false, storage.Options{})
	ctx := t.Context()
	require.NoError(t, src.engine.Save(ctx, portfolio.Holdings, []storage.Record{rec("h1"), rec("h2")}))
	require.NoError(t, src.engine.Save(ctx, portfolio.Budget, []storage.Record{rec("rent")}))
	require.NoError(t, src.engine.SetSession(ctx, "u1"))
	backup, err := src.engine.Export(ctx)
	require.NoError(t, err)
	encoded, err := json.Marshal(backup)
	require.NoError(t, err)

	dst := newFixture(t, false, storage.Options{})
	require.NoError(t, dst.engine.Save(ctx, portfolio.Holdings, []storage.Record{rec("stale")}))

	// Act
	var decoded storage.Backup
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	require.NoError(t, dst.engine.Import(ctx, decoded))

	// Assert
	h, err := dst.engine.Get(ctx, portfolio.Holdings)
	require.NoError(t, err)
	require.Equal(t, []string{"h1", "h2"}, ids(h))
	b, err := dst.engine.Get(ctx, portfolio.Budget)
	require.NoError(t, err)
	require.Equal(t, []string{"rent"}, ids(b))
	_, ok, err := dst.engine.Session(ctx)
	require.NoError(t, err)
	require.False(t, ok, "sessions are not part of a backup")
}

func TestFactoryReset_ClearsLocalAndRemote(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.Options{})
	ctx := t.Context()
	require.NoError(t, f.local.Replace(ctx, portfolio.Cash, []storage.Record{rec("x")}))
	require.NoError(t, f.local.SetSession(ctx, "u1"))
	for _, c := range portfolio.Collections {
		f.remote.EXPECT().Clear(gomock.Any(), c).Return(nil)
	}

	require.NoError(t, f.engine.FactoryReset(ctx, true))

	cash, err := f.local.List(ctx, portfolio.Cash)
	require.NoError(t, err)
	require.Empty(t, cash)
	_, ok, err := f.local.Session(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestResync_PullsEveryCollection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, storage.Options{})
	ctx := t.Context()
	for _, c := range portfolio.Collections {
		if c == portfolio.Holdings {
			f.remote.EXPECT().Fetch(gomock.Any(), c).Return([]storage.Record{rec("from-cloud")}, nil)
			continue
		}
		f.remote.EXPECT().Fetch(gomock.Any(), c).Return(nil, storage.ErrRemoteUnavailable)
	}

	require.NoError(t, f.engine.Resync(ctx))

	h, err := f.local.List(ctx, portfolio.Holdings)
	require.NoError(t, err)
	require.Equal(t, []string{"from-cloud"}, ids(h))
}

// gatedRemote holds the first PutBatch until gate is closed.
type gatedRemote struct {
	storage.Remote
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedRemote) PutBatch(ctx context.Context, collection string, offset int, records []storage.Record) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.gate
	}
	return g.Remote.PutBatch(ctx, collection, offset, records)
}

func newRedisEngine(t *testing.T) (*storage.Engine, *storage.SQLiteLocal, *gatedRemote) {
	t.Helper()
	mr := miniredis.RunT(t)
	remote := storage.NewRedisRemote(storage.RedisOptions{Addr: mr.Addr(), Timeout: time.Second})
	t.Cleanup(func() { _ = remote.Close() })
	gated := &gatedRemote{Remote: remote, entered: make(chan struct{}), gate: make(chan struct{})}

	local, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "findash.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	link := &storage.CloudLink{}
	link.Set(gated)
	engine := storage.NewEngine(local, link, storage.Options{Log: logger.Discard().WithField("component", "storage")})
	t.Cleanup(engine.Wait)
	return engine, local, gated
}

func TestDelete_DuringInFlightPushDoesNotResurrect(t *testing.T) {
	t.Parallel()

	// Arrange
	engine, local, gated := newRedisEngine(t)
	ctx := t.Context()
	require.NoError(t, engine.Save(ctx, portfolio.Holdings, []storage.Record{rec("a"), rec("b")}))
	<-gated.entered

	// Act
	deleted := make(chan error, 1)
	go func() { deleted <- engine.Delete(ctx, portfolio.Holdings, "b") }()
	require.Eventually(t, func() bool {
		stored, err := local.List(ctx, portfolio.Holdings)
		return err == nil && len(stored) == 1
	}, 2*time.Second, 5*time.Millisecond)
	close(gated.gate)
	require.NoError(t, <-deleted)
	engine.Wait()

	// Assert
	got, err := engine.Get(ctx, portfolio.Holdings)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(got))
}

func TestDelete_QueuedOlderSnapshotDropsDeletedID(t *testing.T) {
	t.Parallel()

	// Arrange: a second save is queued behind the blocked push when the
	// delete lands, so its snapshot still carries the deleted id.
	engine, local, gated := newRedisEngine(t)
	ctx := t.Context()
	require.NoError(t, engine.Save(ctx, portfolio.Holdings, []storage.Record{rec("a"), rec("b")}))
	<-gated.entered
	require.NoError(t, engine.Save(ctx, portfolio.Holdings, []storage.Record{rec("a"), rec("b")}))

	// Act
	deleted := make(chan error, 1)
	go func() { deleted <- engine.Delete(ctx, portfolio.Holdings, "b") }()
	require.Eventually(t, func() bool {
		stored, err := local.List(ctx, portfolio.Holdings)
		return err == nil && len(stored) == 1
	}, 2*time.Second, 5*time.Millisecond)
	close(gated.gate)
	require.NoError(t, <-deleted)
	engine.Wait()

	// Assert
	got, err := engine.Get(ctx, portfolio.Holdings)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, ids(got))

	// a save after the delete may bring the id back
	require.NoError(t, engine.Save(ctx, portfolio.Holdings, []storage.Record{rec("a"), rec("b")}))
	engine.Wait()
	got, err = engine.Get(ctx, portfolio.Holdings)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ids(got))
}
