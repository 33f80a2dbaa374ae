package cmd

import (
	"github.com/caesium-cloud/lumen/cmd/image"
	"github.com/caesium-cloud/lumen/cmd/job"
	"github.com/caesium-cloud/lumen/cmd/start"
	"github.com/spf13/cobra"
)

var cmds = []*cobra.Command{
	start.Cmd,
	job.Cmd,
	image.Cmd,
}

// Execute builds the command tree and executes commands.
func Execute() error {
	command := &cobra.Command{
		Use:          "lumen",
		Short:        "Generate, check and post-process product images",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Usage()
		},
	}

	for _, c := range cmds {
		command.AddCommand(c)
	}

	return command.Execute()
}
