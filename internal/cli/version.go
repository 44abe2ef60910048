package cli

import (
	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/esi"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(esi.GetVersion())
		},
	}
}
