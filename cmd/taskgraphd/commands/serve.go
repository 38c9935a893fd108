package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vela-build/taskgraph/pkg/runtime"
)

const serveReadHeaderTimeout = 5 * time.Second

// NewServeCommand builds the `serve` subcommand: keeps a Runtime alive
// and exposes its Prometheus metrics over HTTP until interrupted.
func NewServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo runtime and expose /metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, _, err := newRuntimeWithOptions(ctx, func(opts *runtime.Options) {
				opts.PrometheusMetrics = true
			})
			if err != nil {
				return err
			}
			defer rt.Shutdown()

			metricsHandler := rt.MetricsHandler()
			if metricsHandler == nil {
				return errors.New("serve: runtime produced no metrics handler")
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", metricsHandler)

			srv := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: serveReadHeaderTimeout,
			}

			go func() {
				<-ctx.Done()

				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				_ = srv.Shutdown(shutdownCtx)
			}()

			rt.Logger().Info("taskgraphd serving", "addr", addr)

			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":9090", "address to serve /metrics on")

	return cmd
}
