package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"walkie/internal/client"
	"walkie/internal/proto"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show active channels and peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := call(cmd, proto.Request{Action: proto.ActionStatus}, client.DefaultTimeout)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), resp)
			return nil
		},
	}
}

func printStatus(w io.Writer, resp proto.Response) {
	_, _ = fmt.Fprintf(w, "Daemon ID: %s\n", resp.DaemonID)
	if resp.Scope != "" && resp.Scope != "default" {
		_, _ = fmt.Fprintf(w, "Scope: %s\n", resp.Scope)
	}
	if len(resp.Channels) == 0 {
		_, _ = fmt.Fprintln(w, "No active channels")
		return
	}
	names := make([]string, 0, len(resp.Channels))
	for name := range resp.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		info := resp.Channels[name]
		_, _ = fmt.Fprintf(w, "  #%s - %d peer(s), %d subscriber(s), %d buffered\n", name, info.Peers, info.Subscribers, info.Buffered)
	}
}

// stop does not start a daemon just to stop it.
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the walkie daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := newRequester().Request(cmd.Context(), proto.Request{Action: proto.ActionStop}, client.DefaultTimeout)
			if err != nil || !resp.OK {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped")
			return nil
		},
	}
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Start the daemon if needed and check that it answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := call(cmd, proto.Request{Action: proto.ActionPing}, client.DefaultTimeout); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "pong")
			return nil
		},
	}
}
