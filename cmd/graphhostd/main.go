// Command graphhostd runs the graph host and its producer bridges, and offers
// small viewer commands for inspecting a running host.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "graphhostd",
	Short:         "Stream named float series to graph viewers over TCP",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "graphhostd:", err)
		os.Exit(1)
	}
}
