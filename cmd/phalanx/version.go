package main

import (
	"fmt"

	"github.com/ecrain/phalanx/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("phalanx version %s\n", version.Get())
	},
}
