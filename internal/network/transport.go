package network

import (
	"context"
	"errors"
	"io"

	"walkie/internal/crypto"
)

// ErrClosed is returned by transport operations after Close.
var ErrClosed = errors.New("transport closed")

// Link is one established connection to a remote daemon. The transport is
// responsible for encryption; the daemon only sees a byte stream.
type Link interface {
	io.ReadWriteCloser
	// ID identifies the remote end. It is stable for the lifetime of the
	// link and unique among the transport's live links.
	ID() string
	// Remote is a human readable remote address, for logs.
	Remote() string
}

// LinkHandler is called once for every new link, inbound or outbound.
// Links are not tied to any topic; the daemon negotiates channels itself.
type LinkHandler func(Link)

// Discovery is the handle returned by Transport.Join. Closing it stops
// announcing and looking up the topic; links already formed stay up.
type Discovery interface {
	Topic() crypto.Topic
	// Flushed blocks until the topic is discoverable by peers or ctx ends.
	Flushed(ctx context.Context) error
	Close() error
}

// Transport finds peers sharing a topic and hands out links to them.
type Transport interface {
	Start(ctx context.Context, onLink LinkHandler) error
	Join(ctx context.Context, topic crypto.Topic) (Discovery, error)
	Close() error
}
