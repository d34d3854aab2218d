package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"walkie/internal/client"
	"walkie/internal/proto"
)

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <channel> <message>",
		Short: "Send a message to a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := call(cmd, proto.Request{
				Action:   proto.ActionSend,
				Channel:  args[0],
				Message:  args[1],
				ClientID: clientID(cmd),
			}, client.DefaultTimeout)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Sent (delivered to %s)\n", plural(resp.Delivered, "recipient"))
			return nil
		},
	}
}
