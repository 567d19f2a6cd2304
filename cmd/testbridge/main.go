// testbridge is the client CLI: it sends a run command to a bridge
// host, renders the streamed results live, and relays Ctrl-C as a
// cooperative cancellation signal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:           "testbridge",
	Short:         "Run tests inside a live CAD host process",
	Long:          `testbridge connects to the bridge endpoint of a running host process, submits a test run, and streams results as they complete.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
