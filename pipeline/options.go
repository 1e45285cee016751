package pipeline

import "log/slog"

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	reporter Reporter
	onState  func(State)
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithReporter receives a snapshot after every committed batch.
func WithReporter(r Reporter) Option {
	return func(o *options) { o.reporter = r }
}

// WithStateHook is called on every state transition of every run, from the
// goroutine that called Run.
func WithStateHook(fn func(State)) Option {
	return func(o *options) { o.onState = fn }
}
