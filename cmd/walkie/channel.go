package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"walkie/internal/client"
	"walkie/internal/proto"
)

func newJoinCmd(use, short, done string) *cobra.Command {
	var secret string
	cmd := &cobra.Command{
		Use:   use + " <channel>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(cmd, proto.Request{
				Action:   proto.ActionJoin,
				Channel:  args[0],
				Secret:   secret,
				ClientID: clientID(cmd),
			}, client.DefaultTimeout)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), done+"\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&secret, "secret", "s", "", "Shared secret")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

func newLeaveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leave <channel>",
		Short: "Leave a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(cmd, proto.Request{Action: proto.ActionLeave, Channel: args[0], ClientID: clientID(cmd)}, client.DefaultTimeout)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Left channel %q\n", args[0])
			return nil
		},
	}
}
