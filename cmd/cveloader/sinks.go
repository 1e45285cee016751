package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baldanca/cve-ingestor/config"
	"github.com/baldanca/cve-ingestor/cve"
	"github.com/baldanca/cve-ingestor/encoder"
	"github.com/baldanca/cve-ingestor/sink"
	"github.com/baldanca/cve-ingestor/source"
)

type committers = map[source.Channel]sink.Committer[cve.Record]

// openSink builds one committer per channel on the configured sink. cleanup
// releases connections held by the sink.
func openSink(ctx context.Context, cfg config.Config, channels ...source.Channel) (out committers, cleanup func(), err error) {
	out = make(committers, len(channels))
	cleanup = func() {}

	switch cfg.Sink.Type {
	case config.SinkHTTP:
		client, err := sink.NewHTTPClient(sink.HTTPClientConfig{
			BaseURL:   cfg.Sink.HTTP.BaseURL,
			Timeout:   cfg.Sink.HTTP.Timeout,
			RateLimit: cfg.Sink.HTTP.RateLimit,
			RateBurst: cfg.Sink.HTTP.RateBurst,
		})
		if err != nil {
			return nil, nil, err
		}
		for _, ch := range channels {
			endpoint := sink.CreateEndpoint
			if ch == source.Update {
				endpoint = sink.UpdateEndpoint
			}
			c, err := sink.NewHTTPCommitter[cve.Record](client, endpoint, encoder.JSON[cve.Record]{})
			if err != nil {
				return nil, nil, err
			}
			out[ch] = c
		}

	case config.SinkPostgres:
		if cfg.Sink.Postgres.DSN == "" {
			return nil, nil, errors.New("postgres dsn is required")
		}
		pool, err := pgxpool.New(ctx, cfg.Sink.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := sink.EnsureSchema(ctx, pool, cve.SchemaSQL); err != nil {
			pool.Close()
			return nil, nil, err
		}
		for _, ch := range channels {
			stmt := cve.InsertSQL
			if ch == source.Update {
				stmt = cve.UpdateSQL
			}
			c, err := sink.NewPostgresCommitter[cve.Record](pool, stmt, cve.Args)
			if err != nil {
				pool.Close()
				return nil, nil, err
			}
			out[ch] = c
		}
		cleanup = pool.Close

	case config.SinkS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		w, err := sink.NewS3(s3.NewFromConfig(awsCfg), cfg.Sink.S3.Bucket, cfg.Sink.S3.Prefix, s3Options(cfg.Sink.S3)...)
		if err != nil {
			return nil, nil, err
		}
		enc := encoder.Parquet[cve.Record]{Compression: cfg.Sink.S3.Compression}
		for _, ch := range channels {
			c, err := sink.NewObjectCommitter[cve.Record](enc, w, sink.DefaultKeyFunc(ch.String()))
			if err != nil {
				return nil, nil, err
			}
			out[ch] = c
		}

	default:
		return nil, nil, fmt.Errorf("%w: unknown sink type %q", config.ErrInvalid, cfg.Sink.Type)
	}

	slog.Debug("sink ready", "type", cfg.Sink.Type, "channels", len(out))
	return out, cleanup, nil
}

func s3Options(c config.S3Sink) []sink.S3Option {
	opts := []sink.S3Option{sink.WithMetadata(map[string]string{"writer": "cveloader"})}
	if c.StorageClass != "" {
		opts = append(opts, sink.WithStorageClass(c.StorageClass))
	}
	switch c.KMSKeyID {
	case "":
	case "default":
		opts = append(opts, sink.WithKMSKey(""))
	default:
		opts = append(opts, sink.WithKMSKey(c.KMSKeyID))
	}
	return opts
}
