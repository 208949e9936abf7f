package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"rampart.dev/internal/config"
	"rampart.dev/internal/migrate"
	"rampart.dev/internal/store"
	"rampart.dev/internal/store/pg"
)

const usage = "usage: migrate [flags] up|down|status"

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var (
		configPaths []string
		driver      string
		dsn         string
		timeout     time.Duration
	)
	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	flags.StringSliceVarP(&configPaths, "config", "c", []string{"rampart.yaml"}, "YAML config files")
	flags.StringVar(&driver, "driver", "", "database driver (pgx or sqlite), overrides database.driver")
	flags.StringVar(&dsn, "dsn", "", "data source name, overrides database.dsn")
	flags.DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New(usage)
	}

	cfg, err := config.Load(configPaths...)
	if err != nil {
		return err
	}
	if driver != "" {
		cfg.Database.Driver = driver
	}
	if dsn != "" {
		cfg.Database.DSN = dsn
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = string(store.Postgres)
	}
	if cfg.Database.DSN == "" {
		return errors.New("missing DSN: set database.dsn, RAMPART_DATABASE_DSN or --dsn")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := pg.Open(cfg.Database.Driver, cfg.Database.DSN, 1)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	mgr, err := migrate.NewManager(db.DB(), db.Dialect())
	if err != nil {
		return err
	}
	return execute(ctx, mgr, flags.Arg(0), out)
}

func execute(ctx context.Context, mgr *migrate.Manager, cmd string, out io.Writer) error {
	switch cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		for _, name := range applied {
			fmt.Fprintln(out, "applied", name)
		}
		return err
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "rolled back", name)
		return nil
	case "status":
		status, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, m := range status {
			if m.Applied {
				fmt.Fprintf(out, "%-32s applied %s\n", m.Name, m.AppliedAt.UTC().Format(time.RFC3339))
			} else {
				fmt.Fprintf(out, "%-32s pending\n", m.Name)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q: %s", cmd, usage)
	}
}
