package cmd

import (
	"fmt"

	"github.com/josephlewis42/jobsh/core/parse"
	"github.com/spf13/cobra"
)

// parseCmd shows how a line would be split into a pipeline
var parseCmd = &cobra.Command{
	Use:   "parse LINE",
	Short: "Parse a command line and print its structure without running it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		parsed, err := parse.Parse(args[0])
		if err != nil {
			return fmt.Errorf("syntax error: %w", err)
		}

		fmt.Fprint(cmd.OutOrStdout(), parse.Dump(parsed))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(parseCmd)
}
