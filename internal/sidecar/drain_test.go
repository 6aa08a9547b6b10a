package sidecar_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/CZERTAINLY/Tether/internal/metrics"
	"github.com/CZERTAINLY/Tether/internal/sidecar"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    []byte
		then     string
	}{
		{"ascii", []byte("hello"), "hello"},
		{"utf8", []byte("žluťoučký kůň"), "žluťoučký kůň"},
		{"invalid", []byte("a\xffb"), "a\uFFFDb"},
		{"truncated", []byte("a\xc5"), "a\uFFFD"},
		{"empty", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, sidecar.Decode(tc.given))
		})
	}
}

func TestDrain(t *testing.T) {
	t.Parallel()
	events := make(chan sidecar.Event, 8)
	events <- sidecar.Event{Kind: sidecar.EventStdout, Line: []byte("A")}
	events <- sidecar.Event{Kind: sidecar.EventStderr, Line: []byte("B")}
	events <- sidecar.Event{Kind: sidecar.EventError, Err: errors.New("read error")}
	events <- sidecar.Event{Kind: sidecar.EventStdout, Line: []byte("C\xff")}
	events <- sidecar.Event{Kind: sidecar.EventTerminated, Exit: sidecar.Exit{Code: -1, Signal: "killed"}}
	close(events)

	var c collector
	sidecar.Drain(t.Context(), events, &c)
	require.Equal(t, []string{"A", "C\uFFFD"}, c.lines(sidecar.Stdout))
	require.Equal(t, []string{"B"}, c.lines(sidecar.Stderr))
	require.Equal(t, []sidecar.Exit{{Code: -1, Signal: "killed"}}, c.exits)
}

func TestDrain_SinkFunc(t *testing.T) {
	t.Parallel()
	events := make(chan sidecar.Event, 2)
	events <- sidecar.Event{Kind: sidecar.EventStdout, Line: []byte("A")}
	events <- sidecar.Event{Kind: sidecar.EventTerminated}
	close(events)

	var got []string
	sidecar.Drain(t.Context(), events, sidecar.SinkFunc(func(_ context.Context, stream sidecar.Stream, line string) {
		got = append(got, string(stream)+": "+line)
	}))
	require.Equal(t, []string{"stdout: A"}, got)

	// nil sink discards
	events2 := make(chan sidecar.Event, 1)
	events2 <- sidecar.Event{Kind: sidecar.EventStdout, Line: []byte("A")}
	close(events2)
	require.NotPanics(t, func() {
		sidecar.Drain(t.Context(), events2, nil)
	})
}

func TestLogSink(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := metrics.New()
	sink := sidecar.NewLogSink(log, "server", m)

	events := make(chan sidecar.Event, 3)
	events <- sidecar.Event{Kind: sidecar.EventStdout, Line: []byte("A")}
	events <- sidecar.Event{Kind: sidecar.EventStderr, Line: []byte("B")}
	events <- sidecar.Event{Kind: sidecar.EventTerminated, Exit: sidecar.Exit{Code: 2}}
	close(events)
	sidecar.Drain(t.Context(), events, sink)

	type record struct {
		Level   string `json:"level"`
		Msg     string `json:"msg"`
		Sidecar string `json:"sidecar"`
		Stream  string `json:"stream"`
		Line    string `json:"line"`
		Status  string `json:"status"`
	}
	var records []record
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var r record
		require.NoError(t, dec.Decode(&r))
		records = append(records, r)
	}
	require.Equal(t, []record{
		{Level: "INFO", Msg: "sidecar output", Sidecar: "server", Stream: "stdout", Line: "A"},
		{Level: "WARN", Msg: "sidecar output", Sidecar: "server", Stream: "stderr", Line: "B"},
		{Level: "INFO", Msg: "sidecar exited", Sidecar: "server", Status: "exit status 2"},
	}, records)

	n, err := testutil.GatherAndCount(m.Registry(), "tether_sidecar_lines_total")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = testutil.GatherAndCount(m.Registry(), "tether_sidecar_exits_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
