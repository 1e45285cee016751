package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/panjf2000/ants/v2"
	"github.com/urfave/cli/v2"

	"github.com/baldanca/cve-ingestor/config"
	"github.com/baldanca/cve-ingestor/cve"
	"github.com/baldanca/cve-ingestor/pipeline"
	"github.com/baldanca/cve-ingestor/repo"
	"github.com/baldanca/cve-ingestor/source"
	"github.com/baldanca/cve-ingestor/state"
	"github.com/baldanca/cve-ingestor/transformer"
)

// newLoader builds a pipeline whose transforms run on an ants pool sized like
// the extraction stage. release frees the pool.
func newLoader[P any](
	cfg pipeline.Config,
	tr transformer.Transformer[P, cve.Record],
	sinks committers,
	logger *slog.Logger,
) (p *pipeline.Pipeline[P, cve.Record], release func(), err error) {
	pool, err := ants.NewPool(cfg.ExtractionWorkers)
	if err != nil {
		return nil, nil, fmt.Errorf("create transform pool: %w", err)
	}
	off, err := transformer.Offload(pool, tr)
	if err != nil {
		pool.Release()
		return nil, nil, err
	}
	p, err = pipeline.New(cfg, off, sinks, pipeline.WithLogger(logger))
	if err != nil {
		pool.Release()
		return nil, nil, err
	}
	return p, pool.Release, nil
}

func logResult(logger *slog.Logger, res pipeline.Result) {
	logger.Info("load finished",
		"state", res.State,
		"total", res.Total,
		"created", res.PerChannel[source.Create],
		"updated", res.PerChannel[source.Update],
		"dropped", res.Dropped,
		"discarded", res.Discarded,
	)
}

// runLoad runs one pipeline over items.
func runLoad[P any](
	ctx context.Context,
	cfg pipeline.Config,
	tr transformer.Transformer[P, cve.Record],
	sinks committers,
	items source.Producer[P],
	logger *slog.Logger,
) (pipeline.Result, error) {
	p, release, err := newLoader(cfg, tr, sinks, logger)
	if err != nil {
		return pipeline.Result{}, err
	}
	defer release()

	res, err := p.Run(ctx, items)
	logResult(logger, res)
	return res, err
}

func repoClient(cfg config.Config) *repo.Client {
	return &repo.Client{
		DataDir: cfg.Repo.DataDir,
		Name:    cfg.Repo.Name,
		URL:     cfg.Repo.URL,
		Logger:  slog.Default().With("component", "repo"),
	}
}

func loadCommand(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	dir := c.String("source-dir")
	if dir == "" {
		dir = repoClient(cfg).Root(cfg.Repo.RootFolder)
	}

	sinks, cleanup, err := openSink(ctx, cfg, source.Create)
	if err != nil {
		return err
	}
	defer cleanup()

	logger := slog.Default().With("command", "load", "dir", dir)
	_, err = runLoad(ctx, cfg.Pipeline, cve.FileTransformer(), sinks, source.Dir(dir), logger)
	return err
}

func consumeCommand(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.SQS.QueueURL == "" {
		return errors.New("queue url is required")
	}

	sinks, cleanup, err := openSink(ctx, cfg, source.Create, source.Update)
	if err != nil {
		return err
	}
	defer cleanup()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	return consume(ctx, cfg, sqs.NewFromConfig(awsCfg), sinks, slog.Default().With("command", "consume"))
}

type sqsClient interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// consume loads the queue in windows of at most cfg.SQS.Window messages. A
// window ends when it is full or a poll comes back empty, and each window is
// one pipeline run. Its messages are deleted only when that run ends in DONE.
// consume stops after cfg.SQS.MaxIdlePolls consecutive empty windows, or
// never when that is zero.
func consume(ctx context.Context, cfg config.Config, client sqsClient, sinks committers, logger *slog.Logger) error {
	src, err := source.NewSQS(client, cfg.SQS.QueueURL, source.SQSConfig{
		WaitTimeSeconds: cfg.SQS.WaitTimeSeconds,
		MaxMessages:     cfg.SQS.MaxMessages,
		VisibilityTO:    cfg.SQS.VisibilityTimeout,
		MaxIdlePolls:    1,
		MaxItems:        cfg.SQS.Window,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	p, release, err := newLoader(cfg.Pipeline, cve.DocumentTransformer(), sinks, logger)
	if err != nil {
		return err
	}
	defer release()

	idle := 0
	for window := 1; ; window++ {
		if ctx.Err() != nil {
			return nil
		}

		res, err := p.RunStream(ctx, src.Items)
		if err != nil {
			logger.Warn("messages left for redelivery", "window", window, "count", src.Pending())
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		received := src.Pending()
		// the parent context may be canceled by now; deleting must still happen
		if err := src.Ack(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("ack window %d: %w", window, err)
		}

		if received == 0 {
			idle++
			if cfg.SQS.MaxIdlePolls > 0 && idle >= cfg.SQS.MaxIdlePolls {
				logger.Info("queue idle, stopping", "polls", idle)
				return nil
			}
			continue
		}
		idle = 0
		logResult(logger.With("window", window, "messages", received), res)
	}
}

func syncCommand(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.StateDir)
	if err != nil {
		return err
	}
	defer store.Close()

	sinks, cleanup, err := openSink(ctx, cfg, source.Create, source.Update)
	if err != nil {
		return err
	}
	defer cleanup()

	logger := slog.Default().With("command", "sync")
	s := &syncer{
		repo:   repoClient(cfg),
		store:  store,
		folder: cfg.Repo.RootFolder,
		delay:  cfg.Sync.FetchDelay,
		logger: logger,
		full: func(ctx context.Context, root string) error {
			creates := committers{source.Create: sinks[source.Create]}
			_, err := runLoad(ctx, cfg.Pipeline, cve.FileTransformer(), creates, source.Dir(root), logger)
			return err
		},
		delta: func(ctx context.Context, root string, since time.Time) error {
			_, err := runLoad(ctx, cfg.SyncPipeline(), cve.FileTransformer(), sinks, source.DeltaLog(root, since), logger)
			return err
		},
	}
	return s.run(ctx)
}
