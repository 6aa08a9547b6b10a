package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// maxLineSize is the longest line delivered in one event, longer lines
	// are split.
	maxLineSize = 64 * 1024
	// eventBuffer is the capacity of the events channel.
	eventBuffer = 64
)

// Process is the kill capability of a running sidecar. *Child implements it.
type Process interface {
	Pid() int
	// Kill sends SIGKILL (TerminateProcess on windows). It returns
	// os.ErrProcessDone when nothing is left to kill.
	Kill() error
	// Interrupt asks the process to stop (SIGTERM on unix).
	Interrupt() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Child is the handle of a spawned sidecar.
type Child struct {
	name    string
	process *os.Process
	group   bool

	done  chan struct{}
	mx    sync.Mutex
	state *os.ProcessState
}

// Compile-time verification that Child implements the Process interface.
var _ Process = (*Child)(nil)

func (c *Child) Name() string { return c.name }

func (c *Child) Pid() int { return c.process.Pid }

// Kill sends SIGKILL to the sidecar. In group mode the whole process group
// is signalled even after the leader has been reaped, its workers may still
// run; an empty group reports os.ErrProcessDone. The group id is only reused
// once the group is empty, so the reaped leader pid is not trusted there.
func (c *Child) Kill() error {
	if !c.group && c.exited() {
		return os.ErrProcessDone
	}
	return killProcess(c.process, c.group)
}

// Interrupt sends SIGTERM, to the whole group in group mode, see Kill.
func (c *Child) Interrupt() error {
	if !c.group && c.exited() {
		return os.ErrProcessDone
	}
	return interruptProcess(c.process, c.group)
}

func (c *Child) Done() <-chan struct{} {
	return c.done
}

// ProcessState returns the exit state, nil while the process runs.
func (c *Child) ProcessState() *os.ProcessState {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

func (c *Child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Spawn starts the sidecar described by proto.
//
// The returned channel delivers every stdout and stderr line as a separate
// event, followed by exactly one EventTerminated once both streams are
// closed and the process has been reaped; then the channel is closed. The
// caller must drain the channel.
//
// The process is not bound to ctx: it runs until it exits or is killed via
// the returned Child. ctx is used for logging only.
//
// Returns an *exec.Error or *fs.PathError when the binary cannot be
// started, in which case nothing keeps running.
func Spawn(ctx context.Context, proto Command) (<-chan Event, *Child, error) {
	if proto.Path == "" {
		return nil, nil, fmt.Errorf("sidecar %q: empty path", proto.Name)
	}

	//nolint:gosec // G204: the sidecar path comes from the bundle resolution
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Dir = proto.Dir
	cmd.Env = append(os.Environ(), proto.Env...)
	setProcAttr(cmd, proto.ProcessGroup)

	// Real pipes instead of cmd.StdoutPipe: Wait must not close the read
	// ends, so reaping and reading stay independent.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, nil, err
	}
	// the child holds its own copies now
	closeAll(stdoutW, stderrW)

	child := &Child{
		name:    proto.Name,
		process: cmd.Process,
		group:   proto.ProcessGroup,
		done:    make(chan struct{}),
	}
	slog.DebugContext(ctx, "sidecar spawned", "sidecar", proto.Name, "path", proto.Path, "pid", child.Pid())

	events := make(chan Event, eventBuffer)

	var g errgroup.Group
	g.Go(func() error {
		return readLines(stdoutR, Stdout, events)
	})
	g.Go(func() error {
		return readLines(stderrR, Stderr, events)
	})

	go func() {
		err := cmd.Wait()
		child.mx.Lock()
		child.state = cmd.ProcessState
		child.mx.Unlock()
		close(child.done)

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			slog.DebugContext(ctx, "waiting for sidecar", "sidecar", proto.Name, "error", err)
		}
	}()

	go func() {
		defer close(events)
		if err := g.Wait(); err != nil {
			events <- Event{Kind: EventError, Err: err}
		}
		<-child.done
		exit := Exit{Code: -1}
		if state := child.ProcessState(); state != nil {
			exit = exitOf(state)
		}
		events <- Event{Kind: EventTerminated, Exit: exit}
	}()

	return events, child, nil
}

// readLines sends every line of r to events and closes r on return.
func readLines(r io.ReadCloser, stream Stream, events chan<- Event) error {
	defer func() {
		_ = r.Close()
	}()

	br := bufio.NewReaderSize(r, maxLineSize)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			events <- lineEvent(stream, trimEOL(bytes.Clone(line)))
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return nil
		default:
			return fmt.Errorf("reading %s: %w", stream, err)
		}
	}
}

func trimEOL(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
	}
	return line
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
