package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/cropalato/chart-registry/internal/config"
)

// Version is overridden at build time
var Version = "dev"

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var configFile string

	root := &cobra.Command{
		Use:           "chart-registry",
		Short:         "Helm chart registry serving per-owner repository indexes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to the configuration file")
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")
	_ = v.BindPFlag("debug", root.PersistentFlags().Lookup("debug"))

	load := func() (*config.Config, error) {
		return config.Load(v, configFile)
	}

	root.AddCommand(newServeCommand(v, load), newRebuildCommand(load))
	// Running the binary without a subcommand serves
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), load)
	}
	return root
}

func newServeCommand(v *viper.Viper, load func() (*config.Config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the registry API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), load)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", ":3651", "Registry API listen address")
	flags.String("base-url", "", "Public URL of the registry API used in index download URLs")
	flags.String("metrics-addr", ":2112", "Metrics server listen address")
	_ = v.BindPFlag("server.addr", flags.Lookup("addr"))
	_ = v.BindPFlag("server.base_url", flags.Lookup("base-url"))
	_ = v.BindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	return cmd
}

func newRebuildCommand(load func() (*config.Config, error)) *cobra.Command {
	var owner int64

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild repository indexes from the release registry and stored charts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			app, err := NewApplication(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer app.Cleanup()
			return app.Rebuild(cmd.Context(), owner)
		},
	}
	cmd.Flags().Int64Var(&owner, "owner", 0, "Owner whose index is rebuilt; every owner when unset")
	return cmd
}

func runServe(ctx context.Context, load func() (*config.Config, error)) error {
	cfg, err := load()
	if err != nil {
		return err
	}

	app, err := NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer app.Cleanup()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		app.logger.Error("Application failed", zap.Error(err))
		return err
	}
	return nil
}
