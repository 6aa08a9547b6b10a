package sidecar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/CZERTAINLY/Tether/internal/metrics"
)

var (
	ErrAlreadyStored = errors.New("sidecar already stored")
	ErrTerminated    = errors.New("sidecar supervisor terminated")
)

// State of a Supervisor. Transitions only move forward:
// NotStarted -> Running -> Terminating -> Terminated.
type State int

const (
	NotStarted State = iota
	Running
	Terminating
	Terminated
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Supervisor owns the single slot holding the sidecar handle. It is safe for
// concurrent use; the slot is held only while storing and taking the handle.
type Supervisor struct {
	name    string
	grace   time.Duration
	metrics *metrics.Metrics

	mx      sync.Mutex
	process Process
	state   State
}

type Option func(*Supervisor)

// WithGrace makes Terminate send Interrupt first and Kill only when the
// process is still alive after d. Zero, the default, kills immediately.
func WithGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.grace = d
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

func NewSupervisor(name string, opts ...Option) *Supervisor {
	s := &Supervisor{name: name}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) Name() string { return s.name }

func (s *Supervisor) State() State {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.state
}

// Start spawns the sidecar and stores its handle. On failure nothing is
// stored and the supervisor stays NotStarted.
func (s *Supervisor) Start(ctx context.Context, proto Command) (<-chan Event, error) {
	// refuse early, a spawned child would have no owner
	if state := s.State(); state != NotStarted {
		return nil, s.storeErr(state)
	}

	events, child, err := Spawn(ctx, proto)
	s.metrics.RecordSpawn(s.name, err)
	if err != nil {
		return nil, fmt.Errorf("spawning sidecar %s: %w", s.name, err)
	}

	if err := s.Store(child); err != nil {
		// lost a race with Terminate or another Start
		s.stop(ctx, child)
		go Drain(ctx, events, nil)
		return nil, err
	}
	slog.InfoContext(ctx, "sidecar started", "sidecar", s.name, "pid", child.Pid())
	return events, nil
}

// Store records p in the slot. The slot is single use: it returns
// ErrAlreadyStored when a process is already stored and ErrTerminated after
// Terminate.
func (s *Supervisor) Store(p Process) error {
	if p == nil {
		return errors.New("storing nil process")
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.state != NotStarted {
		return s.storeErr(s.state)
	}
	s.process = p
	s.state = Running
	return nil
}

func (s *Supervisor) storeErr(state State) error {
	if state == Running {
		return ErrAlreadyStored
	}
	return ErrTerminated
}

// Take empties the slot and hands the stored process over to the caller,
// moving the supervisor to Terminating. It returns nil when the slot is
// empty, in which case the state is unchanged.
func (s *Supervisor) Take() Process {
	s.mx.Lock()
	defer s.mx.Unlock()
	p := s.process
	if p == nil {
		return nil
	}
	s.process = nil
	s.state = Terminating
	return p
}

// Terminate takes the stored process and signals it to stop. It is meant to
// be called on the exit requested event, any number of times: only the first
// call finds the process, later calls are no-ops. Terminate on a supervisor
// which never started closes the slot without signalling anything.
//
// Signal failures are logged and swallowed, the application is exiting
// anyway. Reports whether a process was found.
func (s *Supervisor) Terminate(ctx context.Context) bool {
	p := s.Take()
	if p == nil {
		s.mx.Lock()
		if s.state == NotStarted {
			s.state = Terminated
		}
		s.mx.Unlock()
		slog.DebugContext(ctx, "no sidecar to terminate", "sidecar", s.name)
		return false
	}

	slog.InfoContext(ctx, "terminating sidecar", "sidecar", s.name, "pid", p.Pid())
	s.stop(ctx, p)

	s.mx.Lock()
	s.state = Terminated
	s.mx.Unlock()
	return true
}

func (s *Supervisor) stop(ctx context.Context, p Process) {
	if s.grace > 0 {
		err := p.Interrupt()
		if err == nil {
			timer := time.NewTimer(s.grace)
			defer timer.Stop()
			select {
			case <-p.Done():
				slog.DebugContext(ctx, "sidecar stopped within grace period", "sidecar", s.name, "pid", p.Pid())
				// workers of the sidecar may ignore the interrupt
				if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
					slog.DebugContext(ctx, "killing sidecar leftovers failed: ignoring", "sidecar", s.name, "pid", p.Pid(), "error", err)
				}
				return
			case <-timer.C:
				slog.WarnContext(ctx, "sidecar did not stop within grace period: killing", "sidecar", s.name, "pid", p.Pid(), "grace", s.grace)
			}
		} else {
			slog.DebugContext(ctx, "interrupting sidecar failed", "sidecar", s.name, "pid", p.Pid(), "error", err)
		}
	}

	err := p.Kill()
	s.metrics.RecordKill(s.name, err)
	if err != nil {
		slog.DebugContext(ctx, "killing sidecar failed: ignoring", "sidecar", s.name, "pid", p.Pid(), "error", err)
	}
}
