package main

import (
	"context"
	"database/sql"
	"fmt"

	saga "github.com/grafikui/steptx"
	"github.com/grafikui/steptx/internal/config"
	"github.com/grafikui/steptx/internal/logging"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app is the state shared by all commands of one invocation.
type app struct {
	cfgFile   string
	verbosity int
	backend   string
	dsn       string
	table     string
	dir       string

	cfg *config.Config
	log zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "saga-admin",
		Short: "Inspect and repair persisted transaction snapshots",
		Long: `saga-admin reads the snapshots a transaction leaves in its recovery
storage. Use it to find transactions that stopped half-way, look at the
step they failed on, and discard snapshots that must not be resumed.`,
		Example: `  saga-admin --dsn postgres://localhost/app list --idle
  saga-admin --backend file --dir /var/lib/sagas show order-123
  saga-admin discard order-123
  saga-admin schema --table saga_snapshots`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			a.log = logging.Setup(cmd.ErrOrStderr(), a.verbosity)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: "+config.DefaultFile+" if present)")
	flags.CountVarP(&a.verbosity, "verbose", "v", "increase log verbosity (-v, -vv, -vvv)")
	flags.StringVar(&a.backend, "backend", "", "storage backend (postgres, file)")
	flags.StringVar(&a.dsn, "dsn", "", "PostgreSQL connection URL (or SAGA_STORAGE_DSN, DATABASE_URL)")
	flags.StringVar(&a.table, "table", "", "snapshot table name (default "+saga.DefaultTableName+")")
	flags.StringVar(&a.dir, "dir", "", "snapshot directory for the file backend")

	root.AddCommand(
		newListCmd(a),
		newShowCmd(a),
		newDiscardCmd(a),
		newStatsCmd(a),
		newSchemaCmd(a),
	)
	return root
}

// overrides returns the storage flags the user actually set.
func (a *app) overrides(cmd *cobra.Command) map[string]any {
	o := map[string]any{}
	for flag, key := range map[string]string{
		"backend": "storage.backend",
		"dsn":     "storage.dsn",
		"table":   "storage.table",
		"dir":     "storage.dir",
	} {
		if f := cmd.Flags().Lookup(flag); f != nil && f.Changed {
			o[key] = f.Value.String()
		}
	}
	return o
}

// open loads the configuration and opens the configured storage. The
// returned context carries the configured timeout.
func (a *app) open(cmd *cobra.Command) (context.Context, saga.Inspector, func(), error) {
	cfg, err := config.Load(a.cfgFile, a.overrides(cmd))
	if err != nil {
		return nil, nil, nil, err
	}
	a.cfg = cfg

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Storage.Timeout)
	log := logging.Component(a.log, "storage")

	switch cfg.Storage.Backend {
	case config.BackendFile:
		storage, err := saga.NewFileStorage(cfg.Storage.Dir)
		if err != nil {
			cancel()
			return nil, nil, nil, err
		}
		log.Debug().Str("dir", cfg.Storage.Dir).Msg("Opened file storage")
		return ctx, storage, cancel, nil

	default:
		db, err := sql.Open("postgres", cfg.Storage.DSN)
		if err != nil {
			cancel()
			return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			cancel()
			return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		storage, err := saga.NewPostgresStorage(db, cfg.Storage.Table)
		if err != nil {
			db.Close()
			cancel()
			return nil, nil, nil, err
		}
		log.Debug().Str("table", cfg.Storage.Table).Msg("Opened postgres storage")
		return ctx, storage, func() {
			db.Close()
			cancel()
		}, nil
	}
}
