package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/baldanca/cve-ingestor/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "cveloader",
		Usage: "Load CVE records from the cvelist repository or an SQS queue into a bulk sink",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
				EnvVars: []string{"CVELOADER_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file",
				EnvVars: []string{"CVELOADER_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "sink",
				Usage:   "Where records go (http, postgres, s3)",
				EnvVars: []string{"CVELOADER_SINK"},
			},
			&cli.StringFlag{
				Name:    "api-url",
				Usage:   "Base URL of the bulk CVE API (http sink)",
				EnvVars: []string{"CVELOADER_API_URL"},
			},
			&cli.StringFlag{
				Name:    "postgres-dsn",
				Usage:   "Postgres connection string (postgres sink)",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "s3-bucket",
				Usage:   "Destination bucket (s3 sink)",
				EnvVars: []string{"S3_BUCKET"},
			},
			&cli.StringFlag{
				Name:    "s3-prefix",
				Usage:   "Key prefix inside the bucket (s3 sink)",
				EnvVars: []string{"S3_PREFIX"},
			},
			&cli.IntFlag{
				Name:  "batch-size",
				Usage: "Records per committed batch",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "load",
				Usage:  "Load every CVE document of a cvelist checkout",
				Action: loadCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "source-dir",
						Usage: "Root of the CVE tree (<year>/<bucket>/<file>.json); defaults to the configured working copy",
					},
					&cli.IntFlag{
						Name:  "extraction-workers",
						Usage: "Extraction pool size",
					},
					&cli.IntFlag{
						Name:  "loader-workers",
						Usage: "Loader pool size",
					},
				},
			},
			{
				Name:   "sync",
				Usage:  "Clone the cvelist repository and keep loading its changes",
				Action: syncCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "data-dir",
						Usage:   "Directory holding the working copy",
						EnvVars: []string{"CVELOADER_DATA_DIR"},
					},
					&cli.StringFlag{
						Name:  "state-dir",
						Usage: "Directory holding the sync cursor",
					},
					&cli.DurationFlag{
						Name:  "fetch-delay",
						Usage: "Time between pulls",
					},
				},
			},
			{
				Name:   "consume",
				Usage:  "Load CVE documents delivered through an SQS queue",
				Action: consumeCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "queue-url",
						Usage:   "SQS queue URL",
						EnvVars: []string{"SQS_QUEUE_URL"},
					},
					&cli.IntFlag{
						Name:  "max-idle-polls",
						Usage: "Stop after this many consecutive empty polls (0 polls forever)",
					},
					&cli.IntFlag{
						Name:  "window",
						Usage: "Most messages loaded before they are deleted from the queue",
					},
				},
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	level, err := parseLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", s)
	}
}

// loadConfig reads --config and applies the flags that were set explicitly.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}

	if c.IsSet("sink") {
		cfg.Sink.Type = c.String("sink")
	}
	if c.IsSet("api-url") {
		cfg.Sink.HTTP.BaseURL = c.String("api-url")
	}
	if c.IsSet("postgres-dsn") {
		cfg.Sink.Postgres.DSN = c.String("postgres-dsn")
	}
	if c.IsSet("s3-bucket") {
		cfg.Sink.S3.Bucket = c.String("s3-bucket")
	}
	if c.IsSet("s3-prefix") {
		cfg.Sink.S3.Prefix = c.String("s3-prefix")
	}
	if c.IsSet("batch-size") {
		cfg.Pipeline.BatchSize = c.Int("batch-size")
	}
	if c.IsSet("extraction-workers") {
		cfg.Pipeline.ExtractionWorkers = c.Int("extraction-workers")
	}
	if c.IsSet("loader-workers") {
		cfg.Pipeline.LoaderWorkers = c.Int("loader-workers")
	}
	if c.IsSet("data-dir") {
		cfg.Repo.DataDir = c.String("data-dir")
	}
	if c.IsSet("state-dir") {
		cfg.StateDir = c.String("state-dir")
	}
	if c.IsSet("fetch-delay") {
		cfg.Sync.FetchDelay = c.Duration("fetch-delay")
	}
	if c.IsSet("queue-url") {
		cfg.SQS.QueueURL = c.String("queue-url")
	}
	if c.IsSet("max-idle-polls") {
		cfg.SQS.MaxIdlePolls = c.Int("max-idle-polls")
	}
	if c.IsSet("window") {
		cfg.SQS.Window = c.Int("window")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
