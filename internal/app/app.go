// Package app is the headless application lifecycle Tether runs in: setup
// hooks, managed state shared between setup and event handlers, and an event
// loop which turns OS signals and exit requests into lifecycle events.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"syscall"
)

// Event is an application lifecycle event delivered to the run handler.
type Event int

const (
	// Ready is delivered once all setup hooks have succeeded.
	Ready Event = iota + 1
	// ExitRequested is delivered once, when the user or the OS asks the
	// application to quit. The handler runs to completion before Run
	// returns.
	ExitRequested
	// Exit is the last event.
	Exit
)

func (e Event) String() string {
	switch e {
	case Ready:
		return "ready"
	case ExitRequested:
		return "exit_requested"
	case Exit:
		return "exit"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// SetupFunc runs before the event loop. An error aborts the application.
type SetupFunc func(ctx context.Context, a *App) error

// HandlerFunc receives lifecycle events on the event loop goroutine.
type HandlerFunc func(ctx context.Context, a *App, event Event)

type App struct {
	setup   []SetupFunc
	signals []os.Signal

	stateMx sync.RWMutex
	state   map[reflect.Type]any

	exit     chan int
	exitCode int
}

type Option func(*App)

// WithSignals overrides the OS signals treated as exit requests.
// No signals means only RequestExit and context cancellation end the loop.
func WithSignals(signals ...os.Signal) Option {
	return func(a *App) {
		a.signals = signals
	}
}

func New(opts ...Option) *App {
	a := &App{
		signals: []os.Signal{os.Interrupt, syscall.SIGTERM},
		state:   make(map[reflect.Type]any),
		exit:    make(chan int, 1),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Setup registers a hook run by Run before the event loop starts. When a hook
// fails, later hooks are skipped and the handler gets ExitRequested and Exit
// without Ready, so resources of earlier hooks can be released.
func (a *App) Setup(fn SetupFunc) *App {
	a.setup = append(a.setup, fn)
	return a
}

// RequestExit asks the event loop to quit with code. Only the first request
// counts.
func (a *App) RequestExit(code int) {
	select {
	case a.exit <- code:
	default:
	}
}

// ExitCode is the code passed to RequestExit, zero otherwise.
func (a *App) ExitCode() int {
	return a.exitCode
}

// Run runs the setup hooks and then the event loop until an exit is
// requested by RequestExit, one of the OS signals or ctx cancellation.
// The handler gets Ready, ExitRequested and Exit, in that order, each once;
// Ready is skipped when a setup hook fails.
func (a *App) Run(ctx context.Context, handler HandlerFunc) error {
	if handler == nil {
		handler = func(context.Context, *App, Event) {}
	}

	sigs := make(chan os.Signal, 1)
	if len(a.signals) > 0 {
		signal.Notify(sigs, a.signals...)
		defer signal.Stop(sigs)
	}

	for _, fn := range a.setup {
		if err := fn(ctx, a); err != nil {
			slog.DebugContext(ctx, "exit requested", "reason", "setup failed", "error", err)
			a.exitEvents(ctx, handler)
			return fmt.Errorf("setup: %w", err)
		}
	}
	handler(ctx, a, Ready)

	select {
	case <-ctx.Done():
		slog.DebugContext(ctx, "exit requested", "reason", "context done")
	case sig := <-sigs:
		slog.DebugContext(ctx, "exit requested", "reason", "signal", "signal", sig.String())
	case code := <-a.exit:
		a.exitCode = code
		slog.DebugContext(ctx, "exit requested", "reason", "request", "code", code)
	}

	a.exitEvents(ctx, handler)
	return nil
}

func (a *App) exitEvents(ctx context.Context, handler HandlerFunc) {
	// handlers still need a live context to log and clean up
	ctx = context.WithoutCancel(ctx)
	handler(ctx, a, ExitRequested)
	handler(ctx, a, Exit)
}

// Manage stores v as the managed state of type T. It reports false, leaving
// the old value in place, when a T is already managed.
func Manage[T any](a *App, v T) bool {
	key := reflect.TypeFor[T]()
	a.stateMx.Lock()
	defer a.stateMx.Unlock()
	if _, ok := a.state[key]; ok {
		return false
	}
	a.state[key] = v
	return true
}

// State returns the managed state of type T.
func State[T any](a *App) (T, bool) {
	a.stateMx.RLock()
	defer a.stateMx.RUnlock()
	v, ok := a.state[reflect.TypeFor[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}
