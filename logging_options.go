package permit

import "github.com/oarkflow/permit/logger"

// Logger is re-exported so callers don't need to import the logger package.
type Logger = logger.Logger

// WithLogger installs a Logger on the Engine via Option
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) error {
		e.log = l
		return nil
	}
}

// WithTraceIDFunc installs a custom trace ID generator on the engine.
func WithTraceIDFunc(f logger.TraceIDFunc) Option {
	return func(e *Engine) error {
		e.traceIDFunc = f
		return nil
	}
}
