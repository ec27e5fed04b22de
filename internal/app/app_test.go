package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/config"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/sink"
	logsink "github.com/JakeFAU/campus-crawler/internal/sink/log"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Store.Provider = config.StoreMemory
	return cfg
}

func TestNewWithMemoryStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, a.Coordinator)
	require.NotNil(t, a.Emitter)
	require.IsType(t, &logsink.Sink{}, a.Sink)

	_, err = a.Coordinator.Status(context.Background(), "example.edu")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.NoError(t, a.Close(context.Background()))
}

func TestNewCombinesSinks(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Sink.Providers = []string{config.SinkLog, config.SinkFile, config.SinkMemory, config.SinkSQLite}
	cfg.Sink.File.BaseDir = t.TempDir()
	cfg.Sink.SQLite.Path = filepath.Join(t.TempDir(), "pages.db")

	a, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	multi, ok := a.Sink.(sink.Multi)
	require.True(t, ok)
	require.Len(t, multi, 4)
	require.NoError(t, a.Close(context.Background()))
}

func TestNewRejectsUnknownProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store.Provider = "etcd"
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown store provider")

	cfg = testConfig(t)
	cfg.Sink.Providers = []string{"rabbitmq"}
	_, err = New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown sink provider")
}

func TestNewFailsOnUnreachableRedis(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Store.Provider = config.StoreRedis
	cfg.Store.Redis.Addr = "127.0.0.1:1"
	_, err := New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "init redis store")
}

func TestCloseRunsClosersInReverse(t *testing.T) {
	t.Parallel()

	var order []int
	a := &App{Config: testConfig(t), Logger: zap.NewNop()}
	for i := range 3 {
		a.closers = append(a.closers, func() error {
			order = append(order, i)
			return nil
		})
	}
	require.NoError(t, a.Close(context.Background()))
	require.Equal(t, []int{2, 1, 0}, order)
}
