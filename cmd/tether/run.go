package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/CZERTAINLY/Tether/internal/app"
	"github.com/CZERTAINLY/Tether/internal/log"
	"github.com/CZERTAINLY/Tether/internal/metrics"
	"github.com/CZERTAINLY/Tether/internal/model"
	"github.com/CZERTAINLY/Tether/internal/sidecar"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func doRun(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	attrs := slog.Group("tether",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
		slog.String("run_id", uuid.NewString()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	var m *metrics.Metrics
	if config.Metrics != nil {
		m = metrics.New()
		ln, err := net.Listen("tcp", config.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("listening for metrics: %w", err)
		}
		go func() {
			if err := m.Serve(ctx, ln); err != nil {
				slog.ErrorContext(ctx, "metrics server failed", "error", err)
			}
		}()
	}

	a := app.New().Setup(setupSidecar(config, m))
	if err := a.Run(ctx, handleEvent); err != nil {
		return err
	}
	if code := a.ExitCode(); code != 0 {
		return fmt.Errorf("exit code %d", code)
	}
	return nil
}

// setupSidecar spawns the sidecar and hands its supervisor to the app state.
// A sidecar which cannot be started aborts the application.
func setupSidecar(cfg model.Config, m *metrics.Metrics) app.SetupFunc {
	return func(ctx context.Context, a *app.App) error {
		supervisor := sidecar.NewSupervisor(cfg.Sidecar.Name,
			sidecar.WithGrace(cfg.Shutdown.Grace),
			sidecar.WithMetrics(m),
		)
		// managed before the start, so the exit handler finds it either way
		app.Manage(a, supervisor)

		command, err := sidecarCommand(cfg)
		if err != nil {
			m.RecordSpawn(cfg.Sidecar.Name, err)
			return err
		}

		events, err := supervisor.Start(ctx, command)
		if err != nil {
			return err
		}

		sink := sidecar.NewLogSink(slog.Default(), cfg.Sidecar.Name, m)
		go sidecar.Drain(ctx, events, sink)
		return nil
	}
}

func handleEvent(ctx context.Context, a *app.App, event app.Event) {
	switch event {
	case app.Ready:
		slog.InfoContext(ctx, "tether ready")
	case app.ExitRequested:
		supervisor, ok := app.State[*sidecar.Supervisor](a)
		if !ok {
			return
		}
		supervisor.Terminate(ctx)
	case app.Exit:
		slog.DebugContext(ctx, "tether exiting")
	}
}

// sidecarCommand resolves the configured sidecar into a spawnable command.
func sidecarCommand(cfg model.Config) (sidecar.Command, error) {
	var dirs []string
	if dir := model.Get(cfg.Sidecar.Dir); dir != "" {
		dirs = append(dirs, dir)
	}
	if dir, err := sidecar.ExecutableDir(); err == nil {
		dirs = append(dirs, dir)
	} else {
		slog.Debug("cannot determine executable directory", "error", err)
	}

	path, err := sidecar.Resolve(cfg.Sidecar.Name, dirs...)
	if err != nil {
		return sidecar.Command{}, fmt.Errorf("failed to create %q binary command: %w", cfg.Sidecar.Name, err)
	}

	return sidecar.Command{
		Name:         cfg.Sidecar.Name,
		Path:         path,
		Args:         cfg.Sidecar.Args,
		Env:          cfg.SidecarEnv(),
		Dir:          model.Get(cfg.Sidecar.Cwd),
		ProcessGroup: model.Get(cfg.Sidecar.ProcessGroup),
	}, nil
}
