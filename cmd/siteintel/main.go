package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	noColor  bool
	userFlag string
)

var rootCmd = &cobra.Command{
	Use:           "siteintel",
	Short:         "Real-estate site intelligence assistant with memory",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "user ID for client commands (default: server.mcp_user_id)")

	rootCmd.AddCommand(startCmd, statusCmd, purgeCmd)
	rootCmd.AddCommand(chatCmd, memoryCmd, decisionsCmd, contextCmd, promptsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	// A .env in the working directory supplies SITEINTEL_* variables.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: reading .env: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
