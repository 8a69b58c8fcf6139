package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/followup/internal/followupd"
	"github.com/opencode-ai/followup/internal/logging"
)

var (
	serveHost         string
	servePort         int
	serveSkipImport   bool
	serveNoRateLimits bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "listen host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
	serveCmd.Flags().BoolVar(&serveSkipImport, "skip-import", false, "do not import flow files at startup")
	serveCmd.Flags().BoolVar(&serveNoRateLimits, "no-rate-limit", false, "disable per-method rate limits")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run followupd: the gRPC service and the wake scheduler",
	Long: `Run the follow-up daemon. It imports flow files, resumes instances left
in flight, wakes waiting instances when their time comes and serves the
FlowService gRPC API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := commandContext(cmd)
		logger := logging.Component("followupd")

		d, err := followupd.New(GetConfig(), logger, followupd.Options{
			Hostname:       serveHost,
			Port:           servePort,
			Version:        version,
			ProjectDir:     projectDir(),
			SkipFlowImport: serveSkipImport,
		})
		if err != nil {
			return fmt.Errorf("failed to start followupd: %w", err)
		}
		defer d.Close()

		if serveNoRateLimits {
			d.RateLimiter().SetEnabled(false)
		}
		return d.Run(ctx)
	},
}
