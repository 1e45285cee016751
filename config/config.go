// Package config loads the cveloader configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/baldanca/cve-ingestor/encoder"
	"github.com/baldanca/cve-ingestor/pipeline"
	"github.com/baldanca/cve-ingestor/repo"
)

// Sink types.
const (
	SinkHTTP     = "http"
	SinkPostgres = "postgres"
	SinkS3       = "s3"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	LogLevel string `yaml:"log_level"`

	// Pipeline sizes full loads.
	Pipeline pipeline.Config `yaml:"pipeline"`
	Sync     Sync            `yaml:"sync"`
	Repo     Repo            `yaml:"repo"`
	Sink     Sink            `yaml:"sink"`
	SQS      SQS             `yaml:"sqs"`

	// StateDir holds the sync cursor database.
	StateDir string `yaml:"state_dir"`
}

// Sync sizes the periodic delta loads.
type Sync struct {
	FetchDelay        time.Duration `yaml:"fetch_delay"`
	ExtractionWorkers int           `yaml:"extraction_workers"`
	LoaderWorkers     int           `yaml:"loader_workers"`
}

type Repo struct {
	DataDir    string `yaml:"data_dir"`
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	RootFolder string `yaml:"root_folder"`
}

type Sink struct {
	Type     string       `yaml:"type"`
	HTTP     HTTPSink     `yaml:"http"`
	S3       S3Sink       `yaml:"s3"`
	Postgres PostgresSink `yaml:"postgres"`
}

type HTTPSink struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	RateLimit float64       `yaml:"rate_limit"`
	RateBurst int           `yaml:"rate_burst"`
}

type S3Sink struct {
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Compression string `yaml:"compression"`
	// StorageClass is passed to S3 as is; empty keeps the bucket default.
	StorageClass string `yaml:"storage_class"`
	// KMSKeyID turns on SSE-KMS. "default" uses the bucket's AWS managed key.
	KMSKeyID string `yaml:"kms_key_id"`
}

type PostgresSink struct {
	DSN string `yaml:"dsn"`
}

type SQS struct {
	QueueURL          string `yaml:"queue_url"`
	WaitTimeSeconds   int32  `yaml:"wait_time_seconds"`
	MaxMessages       int32  `yaml:"max_messages"`
	VisibilityTimeout int32  `yaml:"visibility_timeout"`
	// MaxIdlePolls stops consuming after that many consecutive empty polls.
	// Zero consumes until the process is stopped.
	MaxIdlePolls int `yaml:"max_idle_polls"`
	// Window is the most messages loaded and deleted together.
	Window int `yaml:"window"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel: "info",
		Pipeline: pipeline.DefaultConfig,
		Sync: Sync{
			FetchDelay:        180 * time.Second,
			ExtractionWorkers: 5,
			LoaderWorkers:     2,
		},
		Repo: Repo{
			DataDir:    "data",
			Name:       repo.DefaultName,
			URL:        repo.DefaultURL,
			RootFolder: "cves",
		},
		Sink: Sink{
			Type: SinkHTTP,
			HTTP: HTTPSink{BaseURL: "http://localhost:8000"},
			S3:   S3Sink{Prefix: "cve", Compression: encoder.CompressionSnappy},
		},
		SQS: SQS{
			WaitTimeSeconds:   20,
			MaxMessages:       10,
			VisibilityTimeout: 300,
			MaxIdlePolls:      3,
			Window:            1000,
		},
		StateDir: filepath.Join("data", "state"),
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SyncPipeline is the pipeline configuration of delta loads.
func (c Config) SyncPipeline() pipeline.Config {
	p := c.Pipeline
	p.ExtractionWorkers = c.Sync.ExtractionWorkers
	p.LoaderWorkers = c.Sync.LoaderWorkers
	return p
}

func (c Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.SyncPipeline().Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if c.Sync.FetchDelay <= 0 {
		return fmt.Errorf("%w: fetch delay must be positive", ErrInvalid)
	}
	if c.SQS.Window < 1 {
		return fmt.Errorf("%w: sqs.window must be >= 1", ErrInvalid)
	}
	if c.SQS.MaxIdlePolls < 0 {
		return fmt.Errorf("%w: sqs.max_idle_polls must be >= 0", ErrInvalid)
	}
	switch c.Sink.Type {
	case SinkHTTP:
		if c.Sink.HTTP.BaseURL == "" {
			return fmt.Errorf("%w: sink.http.base_url is required", ErrInvalid)
		}
	case SinkPostgres:
		// DSN may come from the environment.
	case SinkS3:
		if err := (encoder.Parquet[struct{}]{Compression: c.Sink.S3.Compression}).Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	default:
		return fmt.Errorf("%w: unknown sink type %q", ErrInvalid, c.Sink.Type)
	}
	return nil
}
