package sidecar

import (
	"fmt"
	"strconv"
)

// Stream is the origin of an output line.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

type EventKind int

const (
	EventStdout EventKind = iota + 1
	EventStderr
	// EventError reports a read error on one of the streams. The stream
	// is abandoned, the process keeps running.
	EventError
	// EventTerminated is the last event before the channel is closed.
	EventTerminated
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventError:
		return "error"
	case EventTerminated:
		return "terminated"
	default:
		return "EventKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Event is a single item of the sidecar output stream.
type Event struct {
	Kind EventKind
	Line []byte // raw line without the line terminator
	Err  error
	Exit Exit
}

// Stream returns the origin of a line event.
func (e Event) Stream() (Stream, bool) {
	switch e.Kind {
	case EventStdout:
		return Stdout, true
	case EventStderr:
		return Stderr, true
	default:
		return "", false
	}
}

// Exit describes how the sidecar ended.
type Exit struct {
	Code   int    // -1 when killed by a signal
	Signal string // empty unless killed by a signal
}

func (e Exit) String() string {
	if e.Signal != "" {
		return fmt.Sprintf("signal: %s", e.Signal)
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func lineEvent(stream Stream, line []byte) Event {
	kind := EventStdout
	if stream == Stderr {
		kind = EventStderr
	}
	return Event{Kind: kind, Line: line}
}
