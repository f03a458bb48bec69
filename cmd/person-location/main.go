// Command person-location runs the presence service.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"person_location/internal/app"
	"person_location/internal/config"
	"person_location/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	paths := config.DefaultPaths()
	root := &cobra.Command{
		Use:           "person-location",
		Short:         "Reconcile device trackers into one location per person",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&paths.Data, "data", paths.Data, "data layer yaml")
	root.PersistentFlags().StringVar(&paths.Options, "options", paths.Options, "options layer yaml")
	root.PersistentFlags().StringVar(&paths.EnvFile, "env-file", paths.EnvFile, "dotenv file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(paths)
			if err != nil {
				return err
			}
			a, err := app.New(cfg, paths)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return a.Run(ctx)
		},
	}

	checkKeys := &cobra.Command{
		Use:   "check-keys",
		Short: "Test every configured API key against the home coordinates",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load(paths)
			if err != nil {
				return err
			}
			a, err := app.New(cfg, paths)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer a.Close()
			failed := a.ValidateKeys(cmd.Context())
			ids := make([]string, 0, len(failed))
			for id := range failed {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", id, failed[id])
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d api key(s) failed", len(failed))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "all configured api keys ok")
			return nil
		},
	}

	var showKeys bool
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(paths)
			if err != nil {
				return err
			}
			return config.Dump(cmd.OutOrStdout(), cfg, !showKeys)
		},
	}
	dump.Flags().BoolVar(&showKeys, "show-keys", false, "print api keys unredacted")
	cfgCmd := &cobra.Command{Use: "config", Short: "Configuration helpers"}
	cfgCmd.AddCommand(dump)

	root.AddCommand(serve, checkKeys, cfgCmd)
	return root
}

func load(paths config.Paths) (config.Config, error) {
	cfg, err := config.Load(paths)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	lc := logging.DefaultConfig()
	lc.Level = cfg.LogLevel
	lc.Format = cfg.LogFormat
	logging.Init(lc)
	return cfg, nil
}
