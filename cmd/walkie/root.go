package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"walkie/internal/client"
	"walkie/internal/paths"
	"walkie/internal/proto"
)

// requester is the part of client.Client the commands use.
type requester interface {
	Do(ctx context.Context, req proto.Request, timeout time.Duration) (proto.Response, error)
	Request(ctx context.Context, req proto.Request, timeout time.Duration) (proto.Response, error)
}

var newRequester = func() requester {
	return client.New(paths.FromEnv().Socket)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "walkie",
		Short:         "P2P communication CLI for AI agents",
		Version:       "1.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("as", "", "Client identity for same-machine multi-agent (default $WALKIE_ID)")

	cmd.AddCommand(newJoinCmd("create", "Create a channel and wait for peers", "Channel %q created. Listening for peers..."))
	cmd.AddCommand(newJoinCmd("join", "Join an existing channel", "Joined channel %q"))
	cmd.AddCommand(newSendCmd())
	cmd.AddCommand(newReadCmd())
	cmd.AddCommand(newLeaveCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newPingCmd())
	return cmd
}

func clientID(cmd *cobra.Command) string {
	as, _ := cmd.Flags().GetString("as")
	if as = strings.TrimSpace(as); as != "" {
		return as
	}
	return strings.TrimSpace(os.Getenv("WALKIE_ID"))
}

// call runs req against a daemon, starting one if needed, and turns a
// failed reply into an error.
func call(cmd *cobra.Command, req proto.Request, timeout time.Duration) (proto.Response, error) {
	resp, err := newRequester().Do(cmd.Context(), req, timeout)
	if err != nil {
		return resp, err
	}
	if !resp.OK {
		if resp.Error == "" {
			return resp, errors.New("request failed")
		}
		return resp, errors.New(resp.Error)
	}
	return resp, nil
}

// errorLine renders err for the terminal.
func errorLine(err error) string {
	if errors.Is(err, client.ErrStartFailed) {
		return "Error: Failed to start walkie daemon"
	}
	return "Error: " + err.Error()
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
