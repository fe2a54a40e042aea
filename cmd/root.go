package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"xtal-refine/cmd/config"
	"xtal-refine/cmd/gradcheck"
	"xtal-refine/cmd/postrefine"
	"xtal-refine/cmd/predict"
	"xtal-refine/cmd/refine"
	"xtal-refine/cmd/scale"
	"xtal-refine/cmd/simulate"
	"xtal-refine/cmd/version"
	"xtal-refine/internal/app"
)

// RootCommand creates and returns the root command
func RootCommand(ctx *app.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "xtal-refine",
		Short:         "Serial crystallography geometry refinement, scaling and post-refinement",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Set up the global flags for the root command.
	if err := setupFlags(rootCmd, ctx); err != nil {
		panic(err)
	}

	versionCmd := version.Command()
	configCmd := config.Command(ctx)

	subcommands := []*cobra.Command{
		simulate.Command(ctx),
		predict.Command(ctx),
		refine.Command(ctx),
		scale.Command(ctx),
		postrefine.Command(ctx),
		gradcheck.Command(ctx),
		configCmd,
		versionCmd,
	}

	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// Skip setup for commands that do not process data
		if cmd == versionCmd || cmd.Parent() == configCmd {
			return nil
		}
		if err := ctx.Initialize(cmd.ErrOrStderr()); err != nil {
			return err
		}
		ctx.ServeMetrics(cmd.Context())
		return nil
	}

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, ctx *app.Context) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.ConfigFile, "config", "c", "", "Path to the configuration file")
	flags.IntP("threads", "j", 0, "Number of worker threads, 0 for every CPU")
	flags.String("log-level", "info", "Log level: trace, debug, info, warn or error")
	flags.Bool("log-json", false, "Write structured JSON logs")
	flags.String("metrics-listen", "", "Serve Prometheus metrics on this address, e.g. :9101")

	bindings := map[string]string{
		"threads":        "threads",
		"log.level":      "log-level",
		"log.json":       "log-json",
		"metrics.listen": "metrics-listen",
	}
	for key, flag := range bindings {
		if err := ctx.Viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", flag, err)
		}
	}
	return nil
}
