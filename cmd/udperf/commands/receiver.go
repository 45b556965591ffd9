package commands

import "github.com/spf13/cobra"

func receiverCmd() *cobra.Command {
	f := &testFlags{}

	cmd := &cobra.Command{
		Use:   "receiver",
		Short: "Accept measurement traffic from a sender and report statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTest(cmd, "receiver", f)
		},
	}

	bindCommonFlags(cmd, f)

	return cmd
}
