package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"boxoffice/internal/notify"
	"boxoffice/internal/server"
	"boxoffice/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// newManager wires the task worker, the abort reporter and, when audit hooks
// are configured, the audit relay.
func newManager(rt *runtime) *worker.Manager {
	reporter := &worker.Reporter{Sender: rt.Notifier, Operator: rt.Config.Notify.Operator, Logger: rt.Logger}
	var relay *notify.Relay
	if len(rt.Config.Notify.AuditHooks) > 0 {
		relay = notify.NewRelay(rt.Engine.Repo, rt.Notifier, rt.Config.Project.ID, rt.Config.Notify.AuditHooks, rt.Logger)
	}
	return worker.NewManager(rt.Engine, reporter, relay)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API together with the task worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				if rt.Config.Server.JWTSecret == "" {
					return fmt.Errorf("a jwt secret is required; set BOXOFFICE_JWT_SECRET or server.jwt_secret")
				}
				if addr == "" {
					addr = rt.Config.Server.Addr
				}
				if basePath == "" {
					basePath = rt.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: rt.Config.Server.JWTSecret, Logger: rt.Logger},
					Logger:   rt.Logger,
				})
				if err != nil {
					return err
				}

				var m *worker.Manager
				if !noWorker {
					m = newManager(rt)
					m.Start(ctx)
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				rt.Logger.Info("serving box office api",
					zap.String("addr", addr),
					zap.String("base_path", basePath),
					zap.Bool("worker", m != nil))
				serveErr := srv.ListenAndServe()
				if errors.Is(serveErr, http.ErrServerClosed) {
					serveErr = nil
				}
				if m != nil {
					if err := m.Shutdown(shutdownTimeout); err != nil {
						rt.Logger.Error("worker shutdown", zap.Error(err))
					}
				}
				return serveErr
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without running tasks")
	return cmd
}

func workerCmd() *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the task worker and the periodic sweeps until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *runtime) error {
				if workers > 0 {
					rt.Config.Tasks.Workers = workers
				}
				m := newManager(rt)
				m.Config = rt.Config
				m.Start(ctx)
				<-ctx.Done()
				return m.Shutdown(shutdownTimeout)
			})
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "concurrent executors (defaults to tasks.workers)")
	return cmd
}
