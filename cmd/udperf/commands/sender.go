package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func senderCmd() *cobra.Command {
	f := &testFlags{}

	cmd := &cobra.Command{
		Use:   "sender",
		Short: "Originate measurement traffic against a receiver",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTest(cmd, "sender", f)
		},
	}

	bindCommonFlags(cmd, f)
	cmd.Flags().Uint16Var(&f.senderPort, "sender-port", 0, "base source port")
	cmd.Flags().StringVar(&f.remoteAddr, "host", "", "receiver address to send to (required)")

	if err := cmd.MarkFlagRequired("host"); err != nil {
		panic(fmt.Sprintf("commands: marking --host required: %v", err))
	}

	return cmd
}
