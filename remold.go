// Package remold supervises a pool of warmed worker processes behind a
// shared listening socket. An embedding application supplies a Workload and
// calls Main from its entry point; remold decides from the environment
// whether this process is the monitor, a mold, a worker, or a spawn
// intermediate, and runs the matching role.
package remold

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/remold/remold/internal/config"
	"github.com/remold/remold/internal/history"
	chsink "github.com/remold/remold/internal/history/clickhouse"
	"github.com/remold/remold/internal/metrics"
	"github.com/remold/remold/internal/monitor"
	"github.com/remold/remold/internal/server"
	"github.com/remold/remold/internal/shim"
	"github.com/remold/remold/internal/spawn"
	"github.com/remold/remold/internal/store"
	"github.com/remold/remold/internal/store/factory"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Workload = shim.Workload

type HandoffReceiver = shim.HandoffReceiver

type Shim = shim.Shim

type Config = config.FileConfig

type PoolConfig = config.PoolConfig

type Status = monitor.Status

type Event = store.Event

type HistorySink = history.Sink

// ErrNoUnit reports an idle ServeUnit pass; see shim.Workload.
var ErrNoUnit = shim.ErrNoUnit

// LoadConfig reads a TOML config file.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// RegisterMetrics installs the Prometheus collectors on r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// SharedListener adopts the listening socket the spawner passed down. Only
// meaningful inside a workload; the monitor owns the original socket.
func SharedListener() (net.Listener, error) {
	f := spawn.InheritListener()
	if f == nil {
		return nil, errors.New("remold: no inherited listener")
	}
	defer func() { _ = f.Close() }()
	return net.FileListener(f)
}

// Main runs the role this process was started as. Call it early in the
// embedding binary's entry point: spawned copies of the binary re-execute
// the same entry point and must reach Main before anything role-specific.
// For the monitor role it blocks until ctx is canceled and the pool has
// drained.
func Main(ctx context.Context, wl Workload, cfg Config) error {
	id, err := spawn.FromEnv()
	if err != nil {
		return err
	}
	switch id.Role {
	case spawn.RoleIntermediate:
		return spawn.RunIntermediate()
	case spawn.RoleWorker, spawn.RoleMold:
		return runChild(ctx, id, wl, cfg)
	case "":
		return runMonitor(ctx, cfg)
	default:
		return fmt.Errorf("remold: unknown role %q", id.Role)
	}
}

func runChild(ctx context.Context, id spawn.Identity, wl Workload, cfg Config) error {
	if wl == nil {
		return errors.New("remold: nil workload")
	}
	log, closer, err := cfg.Log.New(id.Role, id.Seq)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	conn, err := spawn.InheritChannel()
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	// Molds need a spawner of their own to build and refill worker pools;
	// the listener passes straight through to everything they start.
	starter := &spawn.Spawner{Listener: spawn.InheritListener()}
	sh := shim.New(conn, wl, starter, id, shim.Options{
		HeartbeatEvery:    cfg.Pool.HeartbeatEvery,
		HeartbeatInterval: cfg.Pool.HeartbeatInterval,
		Log:               log,
	})
	return sh.Run(ctx)
}

func runMonitor(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, closer, err := cfg.Log.New("monitor", 0)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	if cfg.Admin.Metrics {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}
	}

	var (
		st  store.Store
		rec *store.Recorder
	)
	if cfg.Store.DSN != "" {
		st, err = factory.Open(cfg.Store.DSN)
		if err != nil {
			return err
		}
		sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = st.EnsureSchema(sctx)
		cancel()
		if err != nil {
			_ = st.Close()
			return err
		}
		rec = store.NewRecorder(st, 0, log)
	}

	hist, err := historyRecorder(ctx, cfg.History, log)
	if err != nil {
		if rec != nil {
			_ = rec.Close()
		}
		return err
	}

	var listenerFile *os.File
	if cfg.Listen != "" {
		ln, lerr := net.Listen("tcp", cfg.Listen)
		if lerr != nil {
			return lerr
		}
		listenerFile, lerr = ln.(*net.TCPListener).File()
		_ = ln.Close()
		if lerr != nil {
			return lerr
		}
		defer func() { _ = listenerFile.Close() }()
	}

	env, err := cfg.GlobalEnv()
	if err != nil {
		return err
	}
	if len(env) == 0 {
		env = nil
	} else if path := os.Getenv(spawn.EnvConfig); path != "" {
		env = append(env, spawn.EnvConfig+"="+path)
	}
	spawner := &spawn.Spawner{BaseEnv: env, Listener: listenerFile}

	mon := monitor.New(cfg.Monitor(), spawner)
	mon.SetLogger(log)
	if rec != nil || hist != nil {
		mon.SetRecorder(func(e store.Event) {
			if rec != nil {
				rec.Record(e)
			}
			if hist != nil {
				hist.Record(e)
			}
		})
	}

	var admin *http.Server
	if cfg.Admin.Listen != "" {
		tlsConf, terr := cfg.Admin.TLS.Build()
		if terr != nil {
			if hist != nil {
				_ = hist.Close()
			}
			if rec != nil {
				_ = rec.Close()
			}
			return terr
		}
		router := server.NewRouter(mon, st, server.Options{
			Metrics: cfg.Admin.Metrics,
			Auth:    cfg.Admin.Auth,
		})
		admin = server.NewServer(cfg.Admin.Listen, router, tlsConf)
		log.Info("admin api listening", "addr", cfg.Admin.Listen, "tls", tlsConf != nil)
	}

	runErr := mon.Run(ctx)

	if admin != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = admin.Shutdown(sctx)
		cancel()
	}
	if hist != nil {
		_ = hist.Close()
	}
	if rec != nil {
		_ = rec.Close()
	}
	return runErr
}

// historyRecorder builds the fire-and-forget lifecycle history pipeline from
// config: zero, one, or both ClickHouse interfaces behind a Recorder queue so
// slow sinks never touch the coordination loop.
func historyRecorder(ctx context.Context, hc config.HistoryConfig, log *slog.Logger) (*store.Recorder, error) {
	var fan history.Fanout
	if hc.ClickHouseURL != "" {
		fan = append(fan, history.NewClickHouseSink(hc.ClickHouseURL, hc.Table))
	}
	if hc.ClickHouseAddr != "" {
		sink, err := chsink.New(hc.ClickHouseAddr, hc.Table)
		if err != nil {
			return nil, err
		}
		ectx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = sink.EnsureTable(ectx)
		cancel()
		if err != nil {
			_ = sink.Close()
			return nil, err
		}
		fan = append(fan, sink)
	}
	if len(fan) == 0 {
		return nil, nil
	}
	return store.NewRecorder(sinkStore{fan}, 0, log), nil
}

// sinkStore adapts a history sink to the journal store interface so the
// Recorder queue can drain into it.
type sinkStore struct {
	sink history.Sink
}

func (s sinkStore) EnsureSchema(context.Context) error { return nil }

func (s sinkStore) RecordEvent(ctx context.Context, e store.Event) error {
	return s.sink.Send(ctx, e)
}

func (s sinkStore) RecentEvents(context.Context, int) ([]store.Event, error) {
	return nil, errors.New("history sinks are write-only")
}

func (s sinkStore) Close() error {
	if fan, ok := s.sink.(history.Fanout); ok {
		var first error
		for _, member := range fan {
			if c, ok := member.(io.Closer); ok {
				if err := c.Close(); err != nil && first == nil {
					first = err
				}
			}
		}
		return first
	}
	if c, ok := s.sink.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
