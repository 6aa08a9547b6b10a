package sidecar

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/CZERTAINLY/Tether/internal/metrics"
)

// Sink receives decoded sidecar output lines.
type Sink interface {
	Line(ctx context.Context, stream Stream, line string)
}

// ExitSink is a Sink which wants to know how the sidecar ended.
type ExitSink interface {
	Sink
	Exit(ctx context.Context, exit Exit)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, stream Stream, line string)

func (f SinkFunc) Line(ctx context.Context, stream Stream, line string) {
	f(ctx, stream, line)
}

// Drain forwards line events to sink until events is closed. Lines are
// decoded lossily, see Decode. A nil sink discards everything.
//
// Drain has no cancellation: it returns once the sidecar streams are closed,
// which killing the sidecar guarantees.
func Drain(ctx context.Context, events <-chan Event, sink Sink) {
	for event := range events {
		if sink == nil {
			continue
		}
		switch event.Kind {
		case EventStdout, EventStderr:
			stream, _ := event.Stream()
			sink.Line(ctx, stream, Decode(event.Line))
		case EventError:
			slog.DebugContext(ctx, "sidecar stream error", "error", event.Err)
		case EventTerminated:
			if es, ok := sink.(ExitSink); ok {
				es.Exit(ctx, event.Exit)
			}
		}
	}
}

// LogSink logs every sidecar line; stdout at info, stderr at warn level.
type LogSink struct {
	log     *slog.Logger
	name    string
	metrics *metrics.Metrics
}

// Compile-time verification that LogSink implements the ExitSink interface.
var _ ExitSink = (*LogSink)(nil)

// NewLogSink returns a sink for sidecar name. The metrics may be nil.
func NewLogSink(log *slog.Logger, name string, m *metrics.Metrics) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{
		log:     log,
		name:    name,
		metrics: m,
	}
}

func (s *LogSink) Line(ctx context.Context, stream Stream, line string) {
	s.metrics.RecordLine(s.name, string(stream))
	level := slog.LevelInfo
	if stream == Stderr {
		level = slog.LevelWarn
	}
	s.log.Log(ctx, level, "sidecar output",
		slog.String("sidecar", s.name),
		slog.String("stream", string(stream)),
		slog.String("line", line),
	)
}

func (s *LogSink) Exit(ctx context.Context, exit Exit) {
	s.metrics.RecordExit(s.name, strconv.Itoa(exit.Code))
	s.log.InfoContext(ctx, "sidecar exited",
		slog.String("sidecar", s.name),
		slog.String("status", exit.String()),
	)
}
