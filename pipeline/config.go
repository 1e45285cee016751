package pipeline

import (
	"fmt"

	"github.com/baldanca/cve-ingestor/queue"
)

// Config sizes the worker pools and queues of a run.
type Config struct {
	// ExtractionWorkers is the size of the extraction pool.
	ExtractionWorkers int `yaml:"extraction_workers"`
	// LoaderWorkers is the size of the pool of each load lane.
	LoaderWorkers int `yaml:"loader_workers"`
	// BatchSize is the number of records committed at once.
	BatchSize int `yaml:"batch_size"`
	// QueueHeadroom multiplies queue capacities over worker counts and batch size.
	QueueHeadroom float64 `yaml:"queue_headroom"`
}

var DefaultConfig = Config{
	ExtractionWorkers: 40,
	LoaderWorkers:     10,
	BatchSize:         1000,
	QueueHeadroom:     1.5,
}

func (c Config) Validate() error {
	if c.ExtractionWorkers < 1 {
		return fmt.Errorf("%w: extraction workers must be >= 1, got %d", ErrInvalidConfig, c.ExtractionWorkers)
	}
	if c.LoaderWorkers < 1 {
		return fmt.Errorf("%w: loader workers must be >= 1, got %d", ErrInvalidConfig, c.LoaderWorkers)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be >= 1, got %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.QueueHeadroom < 1.0 {
		return fmt.Errorf("%w: queue headroom must be >= 1.0, got %g", ErrInvalidConfig, c.QueueHeadroom)
	}
	return nil
}

// ExtractionCapacity is ceil(ExtractionWorkers × QueueHeadroom).
func (c Config) ExtractionCapacity() int {
	return queue.Capacity(c.ExtractionWorkers, c.QueueHeadroom)
}

// LoadCapacity is ceil(LoaderWorkers × BatchSize × QueueHeadroom), per lane.
func (c Config) LoadCapacity() int {
	return queue.Capacity(c.LoaderWorkers*c.BatchSize, c.QueueHeadroom)
}

// MonitorCapacity is ceil(total loader workers × QueueHeadroom).
func (c Config) MonitorCapacity(lanes int) int {
	return queue.Capacity(c.LoaderWorkers*lanes, c.QueueHeadroom)
}
