// Package cli implements the xypriss-server command-line entrypoint.
package cli

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const banner = `
  __   __      ____       _
  \ \ / /_   _|  _ \ _ __(_)___ ___
   \ V /| | | | |_) | '__| / __/ __|
    | | | |_| |  __/| |  | \__ \__ \
    |_|  \__, |_|   |_|  |_|___/___/
         |___/
`

var rootCmd = &cobra.Command{
	Use:           "xypriss-server",
	Short:         "XyPriss HTTP server framework",
	Long:          "The radix-router, cluster-supervised HTTP server framework described in the XyPriss core specification.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command, printing the startup banner first.
func Execute() error {
	color.New(color.FgCyan, color.Bold).Fprint(os.Stdout, banner)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return nil
}
