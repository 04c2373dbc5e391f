package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vasiliy-maslov/autoverify/internal/config"
	"github.com/vasiliy-maslov/autoverify/internal/logger"
)

var Version = "dev"

type rootOptions struct {
	envFile string
	cfg     *config.Config
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "autoverify",
		Short:         "Automatic fulfilment and redemption of virtual-goods orders",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env", ".env", "Path to a .env file")

	rootCmd.AddCommand(serveCmd(opts))
	rootCmd.AddCommand(runCmd(opts))
	rootCmd.AddCommand(monitorCmd(opts))
	rootCmd.AddCommand(verifyCmd(opts))
	rootCmd.AddCommand(onceCmd(opts))
	rootCmd.AddCommand(processCmd(opts))
	rootCmd.AddCommand(ordersCmd(opts))
	rootCmd.AddCommand(recordsCmd(opts))
	rootCmd.AddCommand(statsCmd(opts))
	rootCmd.AddCommand(migrateCmd(opts))
	rootCmd.AddCommand(tokenCmd(opts))
	rootCmd.AddCommand(hashPasswordCmd())

	return rootCmd
}

func (o *rootOptions) load() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.Setup(cfg.App.LogLevel, cfg.App.LogFormat)
	o.cfg = cfg
	return cfg, nil
}

// withApp loads config, builds the app and closes it once fn returns.
func (o *rootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}
