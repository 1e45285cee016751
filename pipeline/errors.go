package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig wraps every Config validation failure.
	ErrInvalidConfig = errors.New("invalid pipeline config")

	// ErrTransformerRequired is returned by New without a transformer.
	ErrTransformerRequired = errors.New("transformer is required")

	// ErrNoCommitters is returned by New when no load lane has a committer.
	ErrNoCommitters = errors.New("at least one committer is required")
	// ErrStreamRequired is returned by RunStream for a nil stream.
	ErrStreamRequired = errors.New("stream is required")

	// ErrUnknownChannel is returned by New for a committer keyed by an undefined channel.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Stage names used in StageError and log attributes.
const (
	StageProduce = "produce"
	StageExtract = "extract"
	StageLoad    = "load"
	StageMonitor = "monitor"
)

// StageError is the fatal error that ended a run, tagged with where it happened.
// Channel is empty outside the load stage; Worker is zero for the producer and
// the monitor.
type StageError struct {
	Stage   string
	Channel string
	Worker  int
	Err     error
}

func (e *StageError) Error() string {
	switch {
	case e.Channel != "":
		return fmt.Sprintf("%s worker %s-%d: %v", e.Stage, e.Channel, e.Worker, e.Err)
	case e.Worker > 0:
		return fmt.Sprintf("%s worker %d: %v", e.Stage, e.Worker, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
}

func (e *StageError) Unwrap() error { return e.Err }

type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

// Fatal marks a transform error as fatal for the whole run. Unmarked transform
// errors only drop the item they were returned for.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}
