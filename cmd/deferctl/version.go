package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set via -ldflags "-X main.version=... -X main.commit=... -X main.date=..."
// at release build time; left at their defaults for local builds.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print deferctl's version, commit, and build date",
	RunE: func(cmd *cobra.Command, args []string) error {
		if asJSON {
			return printJSON(map[string]string{
				"version": version,
				"commit":  commit,
				"date":    date,
			})
		}
		fmt.Printf("deferctl %s (commit %s, built %s)\n", version, commit, date)
		return nil
	},
}
