package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/vasiliy-maslov/autoverify/internal/handler"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func serveCmd(opts *rootOptions) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard API and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				router := handler.NewRouter(handler.NewHandler(a.orders, a.redemption, a.auth, a.operator))
				server := &http.Server{
					Addr:         ":" + a.cfg.App.Port,
					Handler:      router,
					ReadTimeout:  10 * time.Second,
					WriteTimeout: 90 * time.Second,
					IdleTimeout:  120 * time.Second,
				}
				if !a.operator.Enabled() {
					log.Warn().Msg("serve: JWT_SECRET_KEY is not set, write endpoints are unauthenticated")
				}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					log.Info().Str("port", a.cfg.App.Port).Msg("serve: starting HTTP server")
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-gctx.Done()
					log.Info().Msg("serve: shutting down HTTP server")
					shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					return server.Shutdown(shutdownCtx)
				})
				if !noScheduler {
					g.Go(func() error {
						return a.scheduler().Run(gctx)
					})
				}

				if err := g.Wait(); err != nil {
					return err
				}
				log.Info().Msg("serve: stopped gracefully")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "Serve the API without running scheduled jobs")
	return cmd
}

func runCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app) error {
				return a.scheduler().Run(ctx)
			})
		},
	}
}
