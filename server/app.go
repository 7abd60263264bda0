package server

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ipamd/config"
	"ipamd/internal/db"
	"ipamd/internal/health"
	"ipamd/internal/ipam"
	"ipamd/internal/logs"
	"ipamd/internal/middleware"

	redis "github.com/go-redis/redis/v7"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

type App struct {
	cfg        *config.Config
	Router     *mux.Router
	httpServer *http.Server

	db      *gorm.DB
	redis   redis.UniversalClient
	engine  *ipam.Engine
	prov    *ipam.Provisioner
	sweeper *ipam.Sweeper

	ctx    context.Context
	cancel context.CancelFunc
}

// InitCore wires logging, storage and the engine. CLI commands that do not
// serve HTTP stop here.
func (a *App) InitCore(cfg *config.Config) error {
	a.cfg = cfg

	// 1) Логи
	logs.Init(logs.Options{
		Level:  a.cfg.Logging.Level,
		Format: a.cfg.Logging.Format,
		File:   a.cfg.Logging.File,
	})

	// 2) БД + миграции
	d, err := db.Open(a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return errors.Wrap(err, "db open")
	}
	a.db = d
	if err := db.Migrate(a.db); err != nil {
		return errors.Wrap(err, "db migrate")
	}

	// 3) Движок
	opts, err := EngineOptions(a.cfg.IPAM)
	if err != nil {
		return err
	}
	locker, err := a.locker()
	if err != nil {
		return err
	}
	a.engine = ipam.NewEngine(a.db, opts, ipam.WithLocker(locker), ipam.WithLogger(logs.Logger))
	a.prov = ipam.NewProvisioner(a.engine)
	a.sweeper = ipam.NewSweeper(a.engine)

	if n, err := a.engine.Repo().BackfillKeys(context.Background()); err != nil {
		logs.Logger.Warnf("backfill address keys: %v", err)
	} else if n > 0 {
		logs.Logger.Infof("backfilled keys for %d legacy rows", n)
	}
	return nil
}

func (a *App) Initialize(cfg *config.Config) error {
	if err := a.InitCore(cfg); err != nil {
		return err
	}

	// 4) Роутер + middleware
	a.Router = mux.NewRouter()
	a.Router.Use(middleware.RequestID)
	a.Router.Use(middleware.Recoverer)
	a.Router.Use(middleware.LoggerMW)

	health.RegisterRoutesWithDB(a.Router, a.db) // /healthz и /readyz
	a.Router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// 5) IPAM HTTP
	ipam.NewHTTP(a.engine, a.prov, a.sweeper).RegisterRoutes(a.Router)

	_ = a.Router.Walk(func(rt *mux.Route, r *mux.Router, ancestors []*mux.Route) error {
		path, _ := rt.GetPathTemplate()
		methods, _ := rt.GetMethods()
		logs.Logger.Debugf("route: %-6v %s", methods, path)
		return nil
	})
	return nil
}

func (a *App) Engine() *ipam.Engine { return a.engine }

func (a *App) Provisioner() *ipam.Provisioner { return a.prov }

func (a *App) Sweeper() *ipam.Sweeper { return a.sweeper }

func (a *App) locker() (ipam.Locker, error) {
	switch a.cfg.Lock.Backend {
	case "", "local":
		return ipam.NewLocalLocker(), nil
	case "redis":
		a.redis = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{a.cfg.Lock.RedisAddr}})
		if err := a.redis.Ping().Err(); err != nil {
			return nil, errors.Wrapf(err, "redis %s", a.cfg.Lock.RedisAddr)
		}
		return ipam.NewRedisLocker(a.redis, "ipamd:lock:", a.cfg.Lock.TTL), nil
	}
	return nil, errors.Errorf("unsupported lock backend: %s", a.cfg.Lock.Backend)
}

// EngineOptions converts the ipam config section.
func EngineOptions(c config.IPAMConfig) (ipam.Options, error) {
	opts := ipam.Options{
		QuarantineDays:   c.QuarantineDays,
		BulkLimit:        c.BulkLimit,
		MaterializeBatch: c.MaterializeBatch,
		MaterializeLimit: c.MaterializeLimit,
		NearbyLimit:      c.NearbyLimit,
	}
	if c.PrivateScope != "" {
		p, err := netip.ParsePrefix(c.PrivateScope)
		if err != nil {
			return opts, errors.Wrapf(err, "ipam.private_scope %q", c.PrivateScope)
		}
		opts.PrivateScope = p.Masked()
	}
	return opts, nil
}

func (a *App) Run() error {
	if a.Router == nil || a.cfg == nil {
		return ErrNotInitialized
	}
	bind := net.JoinHostPort(a.cfg.Server.Address, a.cfg.Server.HTTPPort)

	a.ctx, a.cancel = context.WithCancel(context.Background())
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() { <-sigs; a.cancel() }()

	a.httpServer = &http.Server{
		Addr:         bind,
		Handler:      a.Router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // bulk-assign на 1024 адреса
		IdleTimeout:  60 * time.Second,
	}

	go a.sweeper.Run(a.ctx, a.cfg.Sweeper.Interval)

	errc := make(chan error, 1)
	go func() {
		logs.Logger.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
			a.cancel()
		}
	}()

	<-a.ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(ctx)
	a.Close()

	select {
	case err := <-errc:
		return errors.Wrap(err, "http server")
	default:
		return nil
	}
}

// Close releases the database and redis connections.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

var ErrNotInitialized = &initError{"server not initialized (call Initialize(cfg) first)"}

type initError struct{ s string }

func (e *initError) Error() string { return e.s }
