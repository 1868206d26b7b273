// Package main provides the yarawesome binary: the ingestion and scanning
// daemon and the commands that drive it.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/yarawesome/yarawesome/pkg/config"
)

var version = "dev"

// rootOptions are the flags every command shares.
type rootOptions struct {
	configPath string
	output     string
	owner      string
	v          *viper.Viper
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	cmd := &cobra.Command{
		Use:   "yarawesome",
		Short: "Ingest, search and match YARA rule collections",
		Long: `yarawesome ingests YARA rule files into deduplicated collections, keeps a
search index in sync with them and scans binaries against selected rules.

Run "yarawesome serve" for the daemon (upload watcher, job workers, job API
and metrics). The other commands work directly against the configured
database and search backend, or queue the work for the daemon with --async.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := parseOutputFormat(opts.output); err != nil {
				return err
			}
			cfg, err := config.Load(opts.v, opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			level, _ := config.ParseLevel(cfg.LogLevel)
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file (default: ./yarawesome.yaml if present)")
	pf.StringVarP(&opts.output, "output", "o", "table", "Output format: table, json, yaml")
	pf.StringVar(&opts.owner, "owner", envOr("YARAWESOME_OWNER", "local"), "Owner recorded on created import jobs, collections and scans")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("db-type", "sqlite", "Database type: sqlite, postgres, mysql")
	pf.String("db-dsn", "yarawesome.db", "Database connection string")
	pf.String("search-uri", "http://localhost:4080", "Search backend base URL")
	_ = opts.v.BindPFlag("log_level", pf.Lookup("log-level"))
	_ = opts.v.BindPFlag("database.type", pf.Lookup("db-type"))
	_ = opts.v.BindPFlag("database.dsn", pf.Lookup("db-dsn"))
	_ = opts.v.BindPFlag("search.uri", pf.Lookup("search-uri"))

	cmd.AddCommand(
		newServeCmd(opts),
		newIngestCmd(opts),
		newImportCmd(opts),
		newScanCmd(opts),
		newPublishCmd(opts),
		newCloneCmd(opts),
		newEditCmd(opts),
		newSearchCmd(opts),
		newDownloadCmd(opts),
		newDeleteCmd(opts),
		newJobsCmd(opts),
		newHealthcheckCmd(opts),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// glog reports fatal startup errors on stderr.
	_ = flag.Set("logtostderr", "true")

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
