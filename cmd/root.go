/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kuinbee",
	Short: "KUINBEE dataset marketplace backend",
	Long: `KUINBEE sells datasets. Each purchase gets its own encrypted copy of
the dataset and a key that only the buyer receives.

	kuinbee server    run the HTTP API
	kuinbee worker    run the fulfillment worker
	kuinbee migrate   manage the database schema
	kuinbee keygen    print a fresh artifact key
`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
