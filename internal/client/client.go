// Package client talks to the local daemon over its control socket and
// starts the daemon on demand.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"walkie/internal/proto"
)

const (
	DefaultTimeout = 10 * time.Second
	pingTimeout    = 2 * time.Second
	pollInterval   = 200 * time.Millisecond
	pollAttempts   = 50
)

var (
	ErrTimeout      = errors.New("command timed out")
	ErrStartFailed  = errors.New("failed to start walkie daemon")
	ErrNotAvailable = errors.New("daemon is not running")
)

type Client struct {
	Socket string
	// NodeBin is the daemon binary to spawn; resolved by FindNodeBin when
	// empty.
	NodeBin string
	// Env, when set, replaces the environment of a spawned daemon.
	Env    []string
	Logger *zap.Logger
}

func New(socket string) *Client {
	return &Client{Socket: socket}
}

func (c *Client) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Request sends one command and waits up to timeout for its reply. A zero
// timeout waits until ctx ends.
func (c *Client) Request(ctx context.Context, req proto.Request, timeout time.Duration) (proto.Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.Socket)
	if err != nil {
		return proto.Response{}, fmt.Errorf("%w: %v", ErrNotAvailable, err)
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := proto.WriteLine(conn, req); err != nil {
		return proto.Response{}, err
	}
	line, err := proto.NewLineReader(conn, 0).Next()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			if ctx.Err() != nil {
				return proto.Response{}, ctx.Err()
			}
			return proto.Response{}, ErrTimeout
		}
		return proto.Response{}, err
	}
	var resp proto.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return proto.Response{}, fmt.Errorf("decode reply: %w", err)
	}
	return resp, nil
}

func (c *Client) Ping(ctx context.Context) bool {
	resp, err := c.Request(ctx, proto.Request{Action: proto.ActionPing}, pingTimeout)
	return err == nil && resp.OK
}

// EnsureDaemon pings the daemon and spawns it when nothing answers, then
// polls until it does.
func (c *Client) EnsureDaemon(ctx context.Context) error {
	if c.Ping(ctx) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.Socket), 0700); err != nil {
		return err
	}
	bin := c.NodeBin
	if bin == "" {
		found, err := FindNodeBin()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStartFailed, err)
		}
		bin = found
	}
	if err := spawnDetached(bin, c.Env); err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	c.logger().Debug("spawned daemon", zap.String("bin", bin))
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for i := 0; i < pollAttempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if c.Ping(ctx) {
			return nil
		}
	}
	return ErrStartFailed
}

// Do makes sure a daemon is running and sends req.
func (c *Client) Do(ctx context.Context, req proto.Request, timeout time.Duration) (proto.Response, error) {
	if err := c.EnsureDaemon(ctx); err != nil {
		return proto.Response{}, err
	}
	return c.Request(ctx, req, timeout)
}

// FindNodeBin looks for walkie-node in WALKIE_NODE_BIN, next to the
// running executable, then on PATH.
func FindNodeBin() (string, error) {
	if v := os.Getenv("WALKIE_NODE_BIN"); v != "" {
		return v, nil
	}
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "walkie-node")
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	return exec.LookPath("walkie-node")
}
