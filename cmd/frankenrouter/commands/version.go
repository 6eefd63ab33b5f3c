package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/frankensim/frankenrouter/pkg/protocol"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("frankenrouter %s (%s/%s, dialect v%d)\n",
			Version, runtime.GOOS, runtime.GOARCH, protocol.RDPVersion)
	},
}
