package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"rampart.dev/internal/audit"
	"rampart.dev/internal/config"
	"rampart.dev/internal/guard"
	"rampart.dev/internal/health"
	"rampart.dev/internal/migrate"
	"rampart.dev/internal/obs"
	"rampart.dev/internal/policy"
	"rampart.dev/internal/rbac"
	"rampart.dev/internal/store/pg"
	"rampart.dev/internal/token"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		obs.Error("rampartd failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPaths []string
		logLevel    string
		showVersion bool
	)
	flags := pflag.NewFlagSet("rampartd", pflag.ContinueOnError)
	flags.StringSliceVarP(&configPaths, "config", "c", []string{"rampart.yaml"}, "YAML config files, later files win")
	flags.StringVar(&logLevel, "log-level", "", "override log.level")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("rampartd %s (%s)\n", version, commit)
		return nil
	}

	cfg, err := config.Load(configPaths...)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	obs.SetLevel(obs.ParseLevel(cfg.Log.Level))
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.close()
	return d.serve(ctx)
}

type daemon struct {
	cfg      *config.Config
	db       *pg.Store
	recorder *audit.AsyncRecorder
	audits   *audit.Service
	gate     *guard.Gate
	engines  []*rbac.Engine
	watchers []*policy.Watcher
	monitor  *health.Monitor
}

func newDaemon(ctx context.Context, cfg *config.Config) (*daemon, error) {
	d := &daemon{cfg: cfg, monitor: health.NewMonitor(0)}

	var sink audit.Store = audit.NewMemoryStore(audit.WithMemoryLimit(cfg.Audit.MemoryLimit))
	if cfg.Database.Driver != "" {
		db, err := pg.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxConns)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		d.db = db
		if cfg.Database.Migrate {
			mgr, err := migrate.NewManager(db.DB(), db.Dialect())
			if err != nil {
				return nil, err
			}
			applied, err := mgr.Up(ctx)
			if err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
			obs.Info("migrations applied", map[string]any{"count": len(applied)})
		}
		sink = db.Audit()
		d.monitor.Add("database", func(ctx context.Context) error { return db.DB().PingContext(ctx) })
	}
	audits, err := audit.NewService(sink, audit.WithQueryTimeout(cfg.Audit.QueryTimeout))
	if err != nil {
		return nil, err
	}
	d.audits = audits
	d.monitor.Add("audit", func(ctx context.Context) error {
		_, err := audits.SearchBinds(ctx, audit.Filter{Limit: 1})
		return err
	})
	d.recorder = audit.NewAsyncRecorder(sink, audit.RecorderConfig{
		BufferSize:    cfg.Audit.BufferSize,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
		WriteTimeout:  cfg.Audit.QueryTimeout,
	})

	mode, err := rbac.ParseInheritanceMode(cfg.Engine.Inheritance)
	if err != nil {
		return nil, err
	}
	for _, tenant := range cfg.TenantNames() {
		e, err := rbac.New(tenant,
			rbac.WithRecorder(audit.Multi{audit.LineRecorder{}, d.recorder}),
			rbac.WithInheritance(mode),
			rbac.WithSessionTTL(cfg.Session.TTL),
			rbac.WithIdleTimeout(cfg.Session.IdleTimeout),
			rbac.WithAuthRate(cfg.Engine.MaxAuthAttemptsPerMinute),
		)
		if err != nil {
			return nil, err
		}
		if err := d.load(ctx, e); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenant, err)
		}
		d.engines = append(d.engines, e)
		d.monitor.Add(tenant, func(context.Context) error { return guard.Validate(e) })
	}

	tokens, err := token.NewIssuer(cfg.Token.Secret, token.WithName(cfg.Token.Issuer), token.WithTTL(cfg.Token.TTL))
	if err != nil {
		return nil, err
	}
	if d.gate, err = guard.NewGate(tokens, d.engines...); err != nil {
		return nil, err
	}
	return d, nil
}

// load fills e from its policy document when one is configured, otherwise
// from the database. Both paths seed the admin permissions the gate needs.
func (d *daemon) load(ctx context.Context, e *rbac.Engine) error {
	if path, ok := d.cfg.Policy.Paths[e.Tenant()]; ok {
		opts := []policy.WatchOption{
			policy.WithPrepare(guard.Seed),
			policy.WithDebounce(d.cfg.Policy.Debounce),
		}
		if d.db != nil {
			opts = append(opts, policy.OnApplied(func(ctx context.Context, e *rbac.Engine) error {
				return d.db.SaveDataset(ctx, e.Tenant(), e.Export())
			}))
		}
		w, err := policy.NewWatcher(e, path, opts...)
		if err != nil {
			return err
		}
		if _, err := w.Reload(ctx); err != nil {
			return err
		}
		d.watchers = append(d.watchers, w)
		return nil
	}

	var ds rbac.Dataset
	if d.db != nil {
		var err error
		if ds, err = d.db.LoadDataset(ctx, e.Tenant()); err != nil {
			return err
		}
	}
	guard.Seed(&ds)
	return e.Replace(ctx, ds)
}

func (d *daemon) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", obs.Handler())
	metrics := &http.Server{
		Addr:              d.cfg.Server.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener: %w", err)
		}
		return nil
	})

	rpc := grpc.NewServer()
	d.monitor.Register(rpc)
	lis, err := net.Listen("tcp", d.cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listener: %w", err)
	}
	g.Go(func() error { return rpc.Serve(lis) })
	g.Go(func() error { return d.monitor.Run(ctx) })

	for _, e := range d.engines {
		g.Go(func() error { return sweep(ctx, e, d.cfg.Session.SweepInterval) })
	}
	if d.cfg.Policy.Watch {
		for _, w := range d.watchers {
			g.Go(func() error { return w.Run(ctx) })
		}
	}

	obs.Info("rampartd started", map[string]any{
		"version":      obs.Build().Version,
		"go":           obs.Build().GoVersion,
		"tenants":      d.gate.Tenants(),
		"metrics_addr": d.cfg.Server.MetricsAddr,
		"grpc_addr":    d.cfg.Server.GRPCAddr,
	})

	g.Go(func() error {
		<-ctx.Done()
		obs.Info("shutting down", nil)
		sctx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout)
		defer cancel()
		stopped := make(chan struct{})
		go func() {
			rpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-sctx.Done():
			rpc.Stop()
		}
		return metrics.Shutdown(sctx)
	})
	return g.Wait()
}

func sweep(ctx context.Context, e *rbac.Engine, every time.Duration) error {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if n := e.Sweep(ctx); n > 0 {
				obs.Debug("sessions swept", map[string]any{"tenant": e.Tenant(), "removed": n})
			}
		}
	}
}

func (d *daemon) close() {
	if err := d.recorder.Close(); err != nil {
		obs.Warn("audit recorder close", map[string]any{"error": err.Error()})
	}
	if d.db != nil {
		_ = d.db.Close()
	}
	obs.Info("stopped", nil)
}
