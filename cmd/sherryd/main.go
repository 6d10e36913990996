package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sherry-sync/deamon/internal/daemon"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	flagConfigPath string
	flagSilent     bool
	flagDebug      bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		exitOnError(err)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sherryd",
		Short:   "sherry-sync change-propagation daemon",
		Version: version,

		SilenceErrors: true,
		SilenceUsage:  true,

		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context())
		},
	}

	cmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "config directory path")
	cmd.PersistentFlags().BoolVarP(&flagSilent, "silent", "s", false, "suppress console logging")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		Annotations: map[string]string{
			skipConfigAnnotation: "true",
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version)

			return nil
		},
	}
}

// skipConfigAnnotation marks commands, like version, that never touch the
// config directory.
const skipConfigAnnotation = "skipConfig"

// runDaemon builds and runs the daemon until SIGINT/SIGTERM, returning nil on
// clean shutdown.
func runDaemon(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(daemon.Options{
		ConfigDir: flagConfigPath,
		Silent:    flagSilent,
		Debug:     flagDebug,
	})
	if err != nil {
		return err
	}

	return d.Run(ctx)
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
