package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cwbudde/sofasweep/internal/fit"
)

var version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sofasweep version %s (backends: %v)\n", version, fit.SupportedBackends())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
