package shutdown

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/vinayprograms/sharedqueue/logging"
)

// Errors.
var (
	// ErrAlreadyShutdown is returned by Shutdown after the first call.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout means the context ended before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed means at least one handler returned an error.
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Phases.
const (
	PhaseCoordinators = 10
	PhaseBatches      = 15
	PhaseWatchers     = 20
	PhaseStores       = 30
)

// Handler tears down one component.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Destroyer adapts anything with a Destroy method, such as a queue
// coordinator. Destroy waits for a running tick, so it honors ctx by
// returning early and leaving Destroy to finish in the background.
func Destroyer(d interface{ Destroy() }) Handler {
	return HandlerFunc(func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			d.Destroy()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Closer adapts an io.Closer.
func Closer(c io.Closer) Handler {
	return HandlerFunc(func(context.Context) error {
		return c.Close()
	})
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

// Failed reports whether any handler failed or the shutdown timed out.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that returned errors.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0). Default: 10s.
	Timeout time.Duration

	// ContinueOnError runs later phases after a failure. Default: true.
	ContinueOnError bool

	// Logger receives one line per handler. Nil disables logging.
	Logger *logging.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		ContinueOnError: true,
	}
}
