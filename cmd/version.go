package cmd

import (
	"fmt"
	"github.com/LaugeSvan/DenFrieDigiSkole/skolebot"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the bot's version, commit and build time",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"skolebot version=%s commit=%s built: %s\n",
			skolebot.Version,
			skolebot.CommitSHA,
			skolebot.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
