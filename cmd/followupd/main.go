// Command followupd runs the follow-up daemon without the rest of the CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/followup/internal/config"
	"github.com/opencode-ai/followup/internal/followupd"
	"github.com/opencode-ai/followup/internal/logging"
)

var (
	version = "dev"

	cfgFile    string
	host       string
	port       int
	skipImport bool
)

var rootCmd = &cobra.Command{
	Use:           "followupd",
	Short:         "Follow-up flow daemon",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: os.Stderr})

		wd, _ := os.Getwd()
		d, err := followupd.New(cfg, logging.Component("followupd"), followupd.Options{
			Hostname:       host,
			Port:           port,
			Version:        version,
			ProjectDir:     wd,
			SkipFlowImport: skipImport,
		})
		if err != nil {
			return err
		}
		defer d.Close()
		return d.Run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file")
	rootCmd.Flags().StringVar(&host, "host", "", "listen host (overrides config)")
	rootCmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	rootCmd.Flags().BoolVar(&skipImport, "skip-import", false, "do not import flow files at startup")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
