package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose    bool
	jsonOutput bool
)

// rootCmd is the entry point of the analyze CLI
var rootCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run market analyses from the command line",
	Long: `analyze runs the discovery -> sentiment -> trend -> report pipeline
in-process and prints the resulting report.

Available subcommands:
  run   - Analyze a product
  demo  - Analyze the demo product
  token - Mint an API access token`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print the full analysis state as JSON")

	rootCmd.AddCommand(runCmd, demoCmd, tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
