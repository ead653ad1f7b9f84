package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/arbiter/internal/notify"
	"github.com/ShayCichocki/arbiter/internal/orchestrator"
	"github.com/ShayCichocki/arbiter/internal/server"
	"github.com/ShayCichocki/arbiter/internal/worker"
)

const shutdownTimeout = 10 * time.Second

var (
	serveAddr      string
	serveRoster    string
	serveNoRecover bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the approval API and event stream",
	Long: `Serve the HTTP approval API under /v1 and stream orchestration events
over websocket (/v1/events) and, when enabled, MQTT.

On start, interrupted threads are resumed in the background. The worker
roster is watched and reloaded when its file changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: server.addr)")
	serveCmd.Flags().StringVar(&serveRoster, "roster", "", "Worker roster file (default: orchestration.roster_path)")
	serveCmd.Flags().BoolVar(&serveNoRecover, "no-recover", false, "Do not resume interrupted threads on start")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	reg, factory, err := a.registry(ctx, serveRoster)
	if err != nil {
		return err
	}
	bus := orchestrator.NewEventBus(a.logger)
	defer bus.Close()

	orch, err := a.orchestrator(reg, orchestrator.WithEventBus(bus))
	if err != nil {
		return err
	}

	handler, err := server.New(server.Config{
		Threads:     a.threads,
		Checkpoints: a.checkpoints,
		Gate:        orch.Gate(),
		Bus:         bus,
		Auth:        server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
		Logger:      a.logger,
	})
	if err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		addr = cfg.Server.Addr
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	rosterPath := a.rosterPath(serveRoster)
	g.Go(func() error {
		err := worker.WatchRoster(gctx, rosterPath, a.logger, func(r *worker.Roster) error {
			regs, err := a.build(r, factory)
			if err != nil {
				return err
			}
			return reg.Replace(regs)
		})
		if err != nil {
			// Serving continues with the roster loaded at start.
			a.logger.Warn("roster hot reload disabled", "path", rosterPath, "error", err)
		}
		return nil
	})

	if cfg.MQTT.Enabled {
		client := notify.NewClient(notify.ClientConfig{URL: cfg.MQTT.URL, ClientID: cfg.MQTT.ClientID})
		if err := client.Connect(); err != nil {
			// paho keeps retrying in the background; events are dropped until then.
			printStatus("⚠", fmt.Sprintf("MQTT not connected yet: %v", err), color.FgYellow)
		}
		defer client.Disconnect()
		relay := notify.NewRelay(client, cfg.MQTT.TopicPrefix, a.logger)
		g.Go(func() error {
			if err := relay.Run(gctx, bus); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if !serveNoRecover {
		g.Go(func() error {
			results, err := orch.RecoverAll(gctx, 0)
			for _, r := range results {
				if r.Err != nil {
					a.logger.Warn("resume on start failed", "thread_id", r.ThreadID, "error", r.Err)
				} else if r.Outcome != nil {
					a.logger.Info("resumed on start", "thread_id", r.ThreadID, "status", r.Outcome.Status)
				}
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Warn("recover interrupted threads", "error", err)
			}
			return nil
		})
	}

	printStatus("✓", fmt.Sprintf("Listening on http://%s%s (workers: %d)", addr, server.DefaultBasePath, reg.Len()), color.FgGreen)
	if err := g.Wait(); err != nil {
		return err
	}
	printStatus("•", "Shut down", color.FgCyan)
	return nil
}
