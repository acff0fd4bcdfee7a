package main

import (
	"fmt"
	"os"

	"github.com/MingkeVan/opendataworks-sub002/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wfsync",
	Short: "Synchronize workflow designs with DolphinScheduler",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
