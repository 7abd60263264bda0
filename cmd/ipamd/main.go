package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ipamd/config"
	"ipamd/internal/db"
	"ipamd/internal/logs"
	"ipamd/server"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:          "ipamd",
	Short:        "IP address lifecycle and allocation service",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the HTTP API and the periodic quarantine sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		app := &server.App{}
		if err := app.Initialize(cfg); err != nil {
			return err
		}
		return app.Run()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "expire every elapsed quarantine once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := core(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		ctx, cancel := signalContext()
		defer cancel()
		n, err := app.Sweeper().Sweep(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("expired %d quarantines\n", n)
		return nil
	},
}

var materializeCmd = &cobra.Command{
	Use:   "materialize RANGE_ID...",
	Short: "create address records for every address of the given ranges",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := core(cmd)
		if err != nil {
			return err
		}
		defer app.Close()
		ctx, cancel := signalContext()
		defer cancel()
		for _, arg := range args {
			var id uint
			if _, err := fmt.Sscanf(arg, "%d", &id); err != nil || id == 0 {
				return errors.Errorf("invalid range id %q", arg)
			}
			n, err := app.Provisioner().MaterializeRange(ctx, id)
			if err != nil {
				return errors.Wrapf(err, "range %d", id)
			}
			fmt.Printf("range %d: created %d addresses\n", id, n)
		}
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logs.Init(logs.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, File: cfg.Logging.File})
		d, err := db.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		if err := db.Migrate(d); err != nil {
			return err
		}
		logs.Logger.Info("migrations applied")
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "alternative path to config file")
	pf.String("log-level", "info", "the application log level")
	pf.String("log-format", "text", "the application log formatter (text or json)")
	pf.String("db-driver", "sqlite", "database driver (postgres, mysql or sqlite)")
	pf.String("db-dsn", "ipamd.db", "database dsn")

	serveCmd.Flags().String("bind-addr", "0.0.0.0", "the bind addr of the api server")
	serveCmd.Flags().String("port", "8080", "the port to serve on")
	serveCmd.Flags().Duration("sweep-interval", 0, "periodic quarantine sweep interval (0 keeps the configured value)")
	serveCmd.Flags().String("lock-backend", "local", "per-address lock backend (local or redis)")
	serveCmd.Flags().String("redis-addr", "127.0.0.1:6379", "redis address for the redis lock backend")

	bind(pf, map[string]string{
		"logging.level":   "log-level",
		"logging.format":  "log-format",
		"database.driver": "db-driver",
		"database.dsn":    "db-dsn",
	})
	bind(serveCmd.Flags(), map[string]string{
		"server.address":   "bind-addr",
		"server.http_port": "port",
		"lock.backend":     "lock-backend",
		"lock.redis_addr":  "redis-addr",
	})

	rootCmd.AddCommand(serveCmd, sweepCmd, materializeCmd, migrateCmd)
}

func bind(fs *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, err
	}
	// флаг имеет приоритет только если задан явно
	if f := cmd.Flags().Lookup("sweep-interval"); f != nil && f.Changed {
		if d, err := cmd.Flags().GetDuration("sweep-interval"); err == nil {
			cfg.Sweeper.Interval = d
		}
	}
	return cfg, nil
}

func core(cmd *cobra.Command) (*server.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	app := &server.App{}
	if err := app.InitCore(cfg); err != nil {
		return nil, err
	}
	return app, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
