package main

import (
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the version number of Skiff",
	Args:  cobra.NoArgs,

	Run: func(cmd *cobra.Command, args []string) {
		short := commit
		if len(short) > 7 {
			short = short[:7]
		}
		cmd.Printf("skiff version %s (%s)\n", version, short)
	},
}
