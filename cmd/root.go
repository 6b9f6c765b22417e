// Package cmd implements the sampsort command-line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "sampsort",
	Short:        "sampsort — classify audio sample archives into labeled trees",
	SilenceUsage: true, // don't print usage on operational errors
	Long: `sampsort runs a pre-trained classifier over an unsorted archive of audio
samples, streams the results to a crash-resumable JSONL index, and rebuilds
an organized per-label directory tree from that index.`,
}

// Execute is called by main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
