// Package cli implements the followup command line.
package cli

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/followup/internal/config"
	"github.com/opencode-ai/followup/internal/logging"
)

var (
	cfgFile        string
	dbPath         string
	daemonAddr     string
	jsonOutput     bool
	jsonlOutput    bool
	noColor        bool
	noProgress     bool
	nonInteractive bool
	assumeYes      bool
	logLevel       string
	logFormat      string

	version = "dev"
	loaded  *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "followup",
	Short: "Follow-up flows for leads that stop answering",
	Long: `followup runs authored follow-up flows against leads that went quiet.

Flows are graphs of triggers, conditions and actions saved from the editor
(JSON) or written by hand (YAML). A no-response signal starts a flow for a
lead; a reply cancels it.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ~/.config/followup/config.yaml)")
	flags.StringVar(&dbPath, "db", "", "database path (overrides config)")
	flags.StringVar(&daemonAddr, "addr", "", "talk to a running followupd at host:port instead of the local database")
	flags.BoolVar(&jsonOutput, "json", false, "output JSON")
	flags.BoolVar(&jsonlOutput, "jsonl", false, "output JSON lines")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
	flags.BoolVar(&noProgress, "no-progress", false, "disable progress output")
	flags.BoolVar(&nonInteractive, "non-interactive", false, "never prompt")
	flags.BoolVarP(&assumeYes, "yes", "y", false, "answer yes to confirmations")
	flags.StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "log format (console, json)")
}

// Execute runs the root command until it finishes or the process is signalled.
func Execute(v string) error {
	if v != "" {
		version = v
	}
	rootCmd.Version = version

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	loaded = cfg
	return nil
}

// GetConfig returns the configuration loaded for the running command.
func GetConfig() *config.Config {
	if loaded == nil {
		return config.DefaultConfig()
	}
	return loaded
}

// remoteAddr returns the daemon address when --addr was given.
func remoteAddr() (string, bool) {
	if daemonAddr == "" {
		return "", false
	}
	return daemonAddr, true
}

// defaultDaemonAddr is where `followup serve` listens with the current config.
func defaultDaemonAddr() string {
	cfg := GetConfig()
	return net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
