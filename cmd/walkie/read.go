package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"walkie/internal/client"
	"walkie/internal/proto"
)

func newReadCmd() *cobra.Command {
	var wait bool
	var timeout int
	cmd := &cobra.Command{
		Use:   "read <channel>",
		Short: "Read pending messages from a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := proto.Request{Action: proto.ActionRead, Channel: args[0], ClientID: clientID(cmd)}
			reqTimeout := client.DefaultTimeout
			if wait {
				if timeout < 0 {
					return fmt.Errorf("invalid --timeout %d", timeout)
				}
				req.Wait = true
				req.Timeout = float64(timeout)
				reqTimeout = time.Duration(timeout+5) * time.Second
			}
			resp, err := call(cmd, req, reqTimeout)
			if err != nil {
				return err
			}
			printMessages(cmd.OutOrStdout(), resp.Messages)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "Block until a message arrives")
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 30, "Timeout for --wait in seconds")
	return cmd
}

func printMessages(w io.Writer, msgs []proto.Message) {
	if len(msgs) == 0 {
		_, _ = fmt.Fprintln(w, "No new messages")
		return
	}
	for _, m := range msgs {
		at := time.UnixMilli(m.TS).Local().Format("15:04:05")
		_, _ = fmt.Fprintf(w, "[%s] %s: %s\n", at, m.From, m.Data)
	}
}
