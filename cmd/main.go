package cmd

import (
	"github.com/spf13/cobra"

	"github.com/slatefs/slatefs/cmd/jrnl"
)

// Execute builds the command tree and executes commands.
func Execute() error {
	c := &cobra.Command{
		Use:   "slatefs",
		Short: "slatefs filesystem utilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}

	c.AddCommand(jrnl.Cmd)

	return c.Execute()
}
