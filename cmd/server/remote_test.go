package main

import (
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"findash/internal/config"
	"findash/internal/logger"
	"findash/internal/portfolio"
	"findash/internal/storage"
)

func TestOpenRemote_DownAtStartupStillLinks(t *testing.T) {
	t.Parallel()

	// Arrange: redis is down when the server boots
	mr := miniredis.RunT(t)
	mr.Close()
	l, hook := test.NewNullLogger()

	// Act
	remote := openRemote(t.Context(), config.Remote{RedisAddr: mr.Addr(), Namespace: "findash", TimeoutSec: 1}, logrus.NewEntry(l))
	t.Cleanup(func() { _ = remote.Close() })

	// Assert: warned, but the engine still pushes once redis is back
	require.NotNil(t, remote)
	require.NotNil(t, hook.LastEntry())
	require.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	local, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "findash.db"))
	require.NoError(t, err)
	link := &storage.CloudLink{}
	link.Set(remote)
	engine := storage.NewEngine(local, link, storage.Options{Log: logger.WithComponent(logger.Discard(), "storage")})
	t.Cleanup(func() { _ = engine.Close() })

	require.NoError(t, mr.Restart())
	require.NoError(t, engine.Save(t.Context(), portfolio.Holdings, []storage.Record{
		{ID: "a", Data: []byte(`{"id":"a"}`)},
	}))
	engine.Wait()

	keys, err := mr.HKeys("findash:holdings")
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, keys)
}

func TestOpenRemote_ReachableLogsInfo(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	l, hook := test.NewNullLogger()

	remote := openRemote(t.Context(), config.Remote{RedisAddr: mr.Addr(), TimeoutSec: 1}, logrus.NewEntry(l))
	t.Cleanup(func() { _ = remote.Close() })

	require.NotNil(t, hook.LastEntry())
	require.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
}
