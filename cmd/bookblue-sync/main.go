// bookblue-sync is the e-reader companion core: it keeps the local book
// catalog, reading ledger, and blob cache consistent with a Dropbox-hosted
// snapshot, and exposes a small local admin API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/bookblue/bookblue-sync/internal/config"
	"github.com/bookblue/bookblue-sync/internal/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "bookblue-sync",
		Usage:   "Reading progress, stats, and cache sync for an EPUB reader",
		Version: fmt.Sprintf("%s (%s) %s", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "config.yaml",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the sync service (default)",
				Action: runServe,
			},
			{
				Name:   "sync",
				Usage:  "Merge the remote snapshot, flush local state once, and exit",
				Action: runSyncOnce,
			},
			{
				Name:   "cleanup",
				Usage:  "Run cache and ledger maintenance once and exit",
				Action: runCleanup,
			},
		},
		Action: runServe,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and initializes the global logger from it.
func loadConfig(c *cli.Context) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Setup(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     logger.ParseLogFormat(cfg.Logging.Format),
		Output:     os.Stdout,
		TimeFormat: time.RFC3339,
	})
	return cfg, logger.Get(), nil
}
