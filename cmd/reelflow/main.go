package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/reelflow/internal/logging"
	"github.com/rendis/reelflow/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand shares once flags are parsed.
type app struct {
	v          *viper.Viper
	configPath string
	cfg        *Config
	level      *slog.LevelVar
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{v: newViper(), level: new(slog.LevelVar)}

	root := &cobra.Command{
		Use:          "reelflow",
		Short:        "Scheduled multi-clip video generation workflows",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(a.v, a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.level.Set(logging.ParseLevel(cfg.LogLevel))
			// stdout belongs to the MCP transport.
			a.logger = logging.NewWithLevel(os.Stderr, a.level, cfg.LogFormat)
			slog.SetDefault(a.logger)
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "settings file (default ~/.reelflow/settings.yaml)")
	pf.String("db-path", "", "database path")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	_ = a.v.BindPFlag("db_path", pf.Lookup("db-path"))
	_ = a.v.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = a.v.BindPFlag("log_format", pf.Lookup("log-format"))

	root.AddCommand(
		newServeCmd(a),
		newStatusCmd(a),
		newHistoryCmd(a),
		newCheckBackendCmd(a),
		newInitCmd(a),
		newVersionCmd(),
	)
	return root
}

// openStore opens and migrates the database at path.
func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(dbURI(path))
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
