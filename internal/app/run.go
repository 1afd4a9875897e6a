package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch connectivity and drain the queue whenever the backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(g)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, s)
		},
	}
}

func runDaemon(ctx context.Context, s *session) error {
	logger := s.logger
	cfg := s.cfg

	if cfg.Tracing.Enabled {
		shutdown, err := initTracing(ctx, cfg.Tracing, func(err error) {
			s.metrics.tracingExportErrorsTotal.Add(1)
			logger.Warn("tracing_export_error", slog.Any("err", err))
		})
		if err != nil {
			logger.Error("tracing_init_failed", slog.Any("err", err))
		} else {
			s.metrics.tracingEnabled.Store(1)
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	rt, err := s.runtime(ctx, runtimeOptions{traced: cfg.Tracing.Enabled, needsLocation: true, daemon: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Metrics.Listen != "" {
		addr, err := startMetricsServer(ctx, logger, cfg.Metrics.Listen, s.metrics.handler(), cancel)
		if err != nil {
			return failf(1, "metrics listen %s: %v", cfg.Metrics.Listen, err)
		}
		logger.Info("metrics_listening", slog.String("addr", addr.String()))
	}

	trigger := rt.newTrigger()
	trigger.Start(ctx)
	defer trigger.Stop()

	if rt.monitor != nil {
		go rt.monitor.Run(ctx)
	} else {
		trigger.Request("startup")
	}
	if rt.tokenAuth != nil {
		go rt.tokenAuth.watch(ctx, func() { trigger.Request("token_changed") })
	}

	if sigs := foregroundSignals(); len(sigs) > 0 {
		fgCh := make(chan os.Signal, 1)
		signal.Notify(fgCh, sigs...)
		defer signal.Stop(fgCh)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-fgCh:
					trigger.Foreground()
				}
			}
		}()
	}

	logger.Info("tidelog_started", slog.String("version", version), slog.String("store", cfg.Store.Backend))
	<-ctx.Done()
	logger.Info("tidelog_stopping")
	return nil
}
