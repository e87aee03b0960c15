/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/Tamnud-ghule/KUINBEE/internal/artifact"
	"github.com/spf13/cobra"
)

var keygenCount int

// keygenCmd prints artifact keys in the format issued to buyers.
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print fresh artifact keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		for i := 0; i < keygenCount; i++ {
			key, err := artifact.IssueKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().IntVarP(&keygenCount, "count", "n", 1, "number of keys to print")
}
