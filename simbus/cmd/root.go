// Package cmd provides the command-line interface for simbus.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sarchlab/simbus/config"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

var (
	configPath string
	logLevel   string
	dotenvPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "simbus",
	Short: "Simbus CLI runs the services of a co-simulation domain.",
	Long: `Simbus CLI runs the services of a co-simulation domain. The ` +
		`registry lets participants find each other, and the monitor ` +
		`observes and commands the whole system.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (trace, debug, info, warn, error), overrides the configuration")
	rootCmd.PersistentFlags().StringVar(&dotenvPath, "env-file", ".env",
		"Dotenv file with SIMBUS_* overrides, ignored when missing")
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}

// loadConfig layers the defaults, the configuration file, the environment
// and the command-line flags, in that order.
func loadConfig() (config.Config, error) {
	cfg := config.Default()

	if configPath != "" {
		var err error

		cfg, err = config.Load(configPath)
		if err != nil {
			return cfg, err
		}
	}

	if err := cfg.ApplyEnv(dotenvPath); err != nil {
		return cfg, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
