// Package main implements deferctl, the command-line front end for
// exercising a deferred heap: building the scenarios from the design
// notes' end-to-end test list against a real heap.Heap, printing the
// resulting state, and launching the Bubble Tea inspector.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose bool
	quiet   bool
	asJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "deferctl",
	Short: "Exercise and inspect a deferred (tracing) heap",
	Long: `deferctl drives a deferredheap.Heap through the reference scenarios —
a linear chain, a simple cycle, a deep cycle — and can launch an interactive
inspector over a running heap's page and root-set state.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print every step, not just summaries")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all but error output")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON instead of text")

	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// printInfo prints a one-line status message, suppressed by --quiet.
func printInfo(format string, args ...any) {
	if quiet {
		return
	}
	fmt.Printf(format+"\n", args...)
}

// printVerbose prints a step-by-step trace message, shown only with --verbose.
func printVerbose(format string, args ...any) {
	if !verbose || quiet {
		return
	}
	fmt.Printf("  "+format+"\n", args...)
}

// printJSON marshals v as indented JSON to stdout, honoring --quiet.
func printJSON(v any) error {
	if quiet {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
