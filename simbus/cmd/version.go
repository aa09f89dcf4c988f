package cmd

import (
	"github.com/sarchlab/simbus/wire"
	"github.com/spf13/cobra"
)

// Version is the release of the simbus binary, set with -ldflags.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the release and wire protocol version.",
	Run: func(cmd *cobra.Command, args []string) {
		printf(cmd, "simbus %s (protocol %s)\n", Version, wire.CurrentProtocolVersion)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
