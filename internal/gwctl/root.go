package gwctl

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/wilke-labs/gowe-engine/internal/logging"
)

var (
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
)

func defaultServer() string {
	if s := os.Getenv("GWE_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the gwctl CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gwctl",
		Short: "gwctl — client for the workflow execution engine",
		Long:  "gwctl submits and monitors workflows on a running engined instance.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				flagLogLevel = "debug"
			}
			logger = logging.NewLogger(logging.ParseLevel(flagLogLevel), flagLogFormat)
			client = NewClient(flagServer, logger)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "engine server URL (or GWE_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log format (text, json)")

	root.AddCommand(
		newSubmitCmd(),
		newStatusCmd(),
		newAbortCmd(),
	)

	return root
}
