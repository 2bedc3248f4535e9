package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tanq16/pullstream/internal/utils"
)

var (
	debug        bool
	settingsPath string
)

var PullstreamVersion = "dev"

var rootCmd = &cobra.Command{
	Use:     "pullstream",
	Short:   "pullstream is a resumable, parallel file puller",
	Version: PullstreamVersion,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		utils.InitLogger(debug)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "Path to the settings database (default is under the user config directory)")

	rootCmd.AddCommand(newPullCmd())
	rootCmd.AddCommand(newSetCmd())
}
