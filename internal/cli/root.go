package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "coursehub",
	Short: "Course platform backend: ops server, queue workers and admin tooling",
}

func Execute() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to yaml config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(invalidateCmd())
	rootCmd.AddCommand(warmCacheCmd())
	rootCmd.AddCommand(pruneCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
