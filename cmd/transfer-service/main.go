/**
 * @description
 * Entry point for the transfer-service. `serve` runs the HTTP API, the
 * lifecycle scheduler and the fiat settlement consumer; the remaining
 * subcommands run a single maintenance pass and exit.
 *
 * @dependencies
 * - github.com/spf13/cobra: command-line interface.
 * - github.com/joho/godotenv: .env loading for local development.
 */

package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:           "transfer-service",
		Short:         "FlowPay escrowed P2P transfer service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config-path", ".", "directory containing an optional .env file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(reconcileCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
