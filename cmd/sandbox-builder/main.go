package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "sandbox-builder",
		Short: "Generate code into live sandboxes and ship it through GitHub",
		Long: `sandbox-builder turns a prompt into a running preview: a coding agent
writes the files, every write is mirrored into an isolated sandbox, and the
result is committed to a per-task branch, reviewed as a pull request and
merged when the task reaches done.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug|info|warn|error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
