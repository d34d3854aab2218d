package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walkie/internal/client"
	"walkie/internal/proto"
)

type fakeRequester struct {
	reqs     []proto.Request
	timeouts []time.Duration
	resp     proto.Response
	err      error
	usedDo   bool
}

func (f *fakeRequester) Do(_ context.Context, req proto.Request, timeout time.Duration) (proto.Response, error) {
	f.usedDo = true
	return f.Request(context.Background(), req, timeout)
}

func (f *fakeRequester) Request(_ context.Context, req proto.Request, timeout time.Duration) (proto.Response, error) {
	f.reqs = append(f.reqs, req)
	f.timeouts = append(f.timeouts, timeout)
	return f.resp, f.err
}

func runCLI(t *testing.T, fake *fakeRequester, args ...string) (string, error) {
	t.Helper()
	prev := newRequester
	newRequester = func() requester { return fake }
	t.Cleanup(func() { newRequester = prev })

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCreateAndJoin(t *testing.T) {
	fake := &fakeRequester{resp: proto.Response{OK: true}}
	out, err := runCLI(t, fake, "--as", "alice", "create", "room", "-s", "pw")
	require.NoError(t, err)
	assert.Equal(t, "Channel \"room\" created. Listening for peers...\n", out)
	assert.Equal(t, proto.Request{Action: "join", Channel: "room", Secret: "pw", ClientID: "alice"}, fake.reqs[0])

	out, err = runCLI(t, fake, "join", "room", "--secret", "pw")
	require.NoError(t, err)
	assert.Equal(t, "Joined channel \"room\"\n", out)
}

func TestJoinRequiresSecret(t *testing.T) {
	_, err := runCLI(t, &fakeRequester{}, "join", "room")
	assert.Error(t, err)
}

func TestClientIDFromEnv(t *testing.T) {
	t.Setenv("WALKIE_ID", "from-env")
	fake := &fakeRequester{resp: proto.Response{OK: true}}
	_, err := runCLI(t, fake, "leave", "room")
	require.NoError(t, err)
	assert.Equal(t, "from-env", fake.reqs[0].ClientID)

	_, err = runCLI(t, fake, "--as", "flag", "leave", "room")
	require.NoError(t, err)
	assert.Equal(t, "flag", fake.reqs[1].ClientID)
}

func TestSendOutput(t *testing.T) {
	fake := &fakeRequester{resp: proto.Response{OK: true, Delivered: 1}}
	out, err := runCLI(t, fake, "send", "room", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "Sent (delivered to 1 recipient)\n", out)
	assert.Equal(t, "hello there", fake.reqs[0].Message)
	assert.True(t, fake.usedDo)

	fake.resp.Delivered = 3
	out, err = runCLI(t, fake, "send", "room", "x")
	require.NoError(t, err)
	assert.Equal(t, "Sent (delivered to 3 recipients)\n", out)
}

func TestReadWaitTimeouts(t *testing.T) {
	fake := &fakeRequester{resp: proto.Response{OK: true}}
	out, err := runCLI(t, fake, "read", "room", "-w", "-t", "7")
	require.NoError(t, err)
	assert.Equal(t, "No new messages\n", out)
	assert.True(t, fake.reqs[0].Wait)
	assert.Equal(t, 7.0, fake.reqs[0].Timeout)
	assert.Equal(t, 12*time.Second, fake.timeouts[0])

	_, err = runCLI(t, fake, "read", "room")
	require.NoError(t, err)
	assert.False(t, fake.reqs[1].Wait)
	assert.Equal(t, 10*time.Second, fake.timeouts[1])
}

func TestReadPrintsMessages(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local).UnixMilli()
	printMessages(&buf, []proto.Message{{From: "bob", Data: "hi", TS: ts}})
	assert.Equal(t, "[03:04:05] bob: hi\n", buf.String())
}

func TestDaemonErrorIsReturned(t *testing.T) {
	fake := &fakeRequester{resp: proto.Response{OK: false, Error: "not in channel: room"}}
	_, err := runCLI(t, fake, "send", "room", "x")
	assert.EqualError(t, err, "not in channel: room")
}

func TestStatusOutput(t *testing.T) {
	fake := &fakeRequester{resp: proto.Response{OK: true, DaemonID: "abc123", Channels: map[string]proto.ChannelStatus{
		"b": {Peers: 1, Subscribers: 2, Buffered: 0},
		"a": {Peers: 0, Subscribers: 1, Buffered: 4},
	}}}
	out, err := runCLI(t, fake, "status")
	require.NoError(t, err)
	assert.Equal(t, "Daemon ID: abc123\n"+
		"  #a - 0 peer(s), 1 subscriber(s), 4 buffered\n"+
		"  #b - 1 peer(s), 2 subscriber(s), 0 buffered\n", out)

	fake.resp = proto.Response{OK: true, DaemonID: "abc123"}
	out, err = runCLI(t, fake, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No active channels")
}

func TestStopWithoutDaemon(t *testing.T) {
	fake := &fakeRequester{err: errors.New("dial failed")}
	out, err := runCLI(t, fake, "stop")
	require.NoError(t, err)
	assert.Equal(t, "Daemon is not running\n", out)
	assert.False(t, fake.usedDo)

	fake = &fakeRequester{resp: proto.Response{OK: true}}
	out, err = runCLI(t, fake, "stop")
	require.NoError(t, err)
	assert.Equal(t, "Daemon stopped\n", out)
}

func TestErrorLine(t *testing.T) {
	err := fmt.Errorf("%w: exec: not found", client.ErrStartFailed)
	assert.Equal(t, "Error: Failed to start walkie daemon", errorLine(err))
	assert.Equal(t, "Error: not in channel: room", errorLine(errors.New("not in channel: room")))
}
