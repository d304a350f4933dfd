package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// BuildInfo contains build-time information
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

var buildInfo BuildInfo

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "storylink",
	Short: "Link helpdesk tickets to tracker stories",
	Long: `storylink - the backend of the helpdesk widget that links tickets to stories.

It searches, links and unlinks stories on a ticket, creates and edits stories
from the ticket, keeps the reply box selections in step with the host and
comments on the selected stories when an agent replies. 'storylink serve'
runs the host bridge; every other command runs one operation and exits.

Configuration is read from the environment and from .env files.`,
	Version:       buildInfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(info BuildInfo) error {
	buildInfo = info
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text, json); overrides LOG_FORMAT")
	rootCmd.PersistentFlags().StringSlice("env-file", nil, "Additional .env files to load")
	rootCmd.PersistentFlags().StringP("output", "o", "table", "Output format (table, json)")
}
