package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"walkie/internal/proto"
)

// MaxReadTimeout is the longest wait a read request may ask for, in
// seconds on the wire.
const MaxReadTimeout = 24 * time.Hour

const (
	maxRequestSize = 1 << 20
	writeTimeout   = 10 * time.Second
)

// ActionFunc executes one control request. ctx ends when the requesting
// connection goes away.
type ActionFunc func(ctx context.Context, req proto.Request) (any, error)

type ServerOptions struct {
	Logger *zap.Logger
	// OnStop runs after the reply to a stop request has been written.
	OnStop func()
	// Stats, when set, is reported under "stats" in status replies.
	Stats func() any
}

// Server speaks line-delimited JSON on a local socket. Requests on one
// connection run strictly one after another; a blocked read holds back
// later requests on the same connection only.
type Server struct {
	d        *Daemon
	log      *zap.Logger
	handlers map[string]ActionFunc
	onStop   func()
	stats    func() any

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(d *Daemon, opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		d:        d,
		log:      logger,
		handlers: make(map[string]ActionFunc),
		onStop:   opts.OnStop,
		stats:    opts.Stats,
		conns:    make(map[net.Conn]struct{}),
	}
	s.Handle(proto.ActionJoin, s.handleJoin)
	s.Handle(proto.ActionSend, s.handleSend)
	s.Handle(proto.ActionRead, s.handleRead)
	s.Handle(proto.ActionLeave, s.handleLeave)
	s.Handle(proto.ActionStatus, s.handleStatus)
	s.Handle(proto.ActionPing, func(context.Context, proto.Request) (any, error) {
		return proto.OKReply{OK: true}, nil
	})
	s.Handle(proto.ActionStop, func(context.Context, proto.Request) (any, error) {
		return proto.OKReply{OK: true}, nil
	})
	return s
}

// Handle registers fn for action, replacing any earlier handler.
func (s *Server) Handle(action string, fn ActionFunc) {
	s.handlers[action] = fn
}

// Listen removes a stale socket file and listens on path with owner-only
// permissions.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return ln, nil
}

// Serve accepts connections until ln is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()
	s.log.Info("control socket listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

// Close stops accepting, drops open connections and waits for their
// goroutines.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}

// serveConn reads frames on its own goroutine so that a closed connection
// is noticed while a read request is still blocked.
func (s *Server) serveConn(conn net.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	frames := make(chan []byte)
	go func() {
		defer cancel()
		defer close(frames)
		r := proto.NewLineReader(conn, maxRequestSize)
		for {
			frame, err := r.Next()
			if errors.Is(err, proto.ErrFrameTooLarge) {
				continue
			}
			if err != nil {
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	for frame := range frames {
		reply, stop := s.exec(ctx, frame)
		if err := s.write(conn, reply); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("control write failed", zap.Error(err))
			}
			return
		}
		if stop && s.onStop != nil {
			go s.onStop()
		}
	}
}

func (s *Server) exec(ctx context.Context, frame []byte) (any, bool) {
	var req proto.Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return proto.ErrorReply{Error: err.Error()}, false
	}
	fn, ok := s.handlers[req.Action]
	if !ok {
		return proto.ErrorReply{Error: fmt.Sprintf("%s: %s", ErrUnknownAction, req.Action)}, false
	}
	reply, err := fn(ctx, req)
	if err != nil {
		s.log.Debug("control request failed", zap.String("action", req.Action), zap.Error(err))
		return proto.ErrorReply{Error: err.Error()}, false
	}
	return reply, req.Action == proto.ActionStop
}

func (s *Server) write(conn net.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return proto.WriteLine(conn, v)
}

func (s *Server) handleJoin(ctx context.Context, req proto.Request) (any, error) {
	if err := s.d.CreateOrJoin(ctx, req.Channel, req.Secret, req.ClientID); err != nil {
		return nil, err
	}
	return proto.JoinReply{OK: true, Channel: req.Channel}, nil
}

func (s *Server) handleSend(_ context.Context, req proto.Request) (any, error) {
	n, err := s.d.Send(req.Channel, req.Message, req.ClientID)
	if err != nil {
		return nil, err
	}
	return proto.SendReply{OK: true, Delivered: n}, nil
}

func (s *Server) handleRead(ctx context.Context, req proto.Request) (any, error) {
	if req.Timeout < 0 || req.Timeout > MaxReadTimeout.Seconds() {
		return nil, fmt.Errorf("invalid timeout: %v", req.Timeout)
	}
	timeout := time.Duration(req.Timeout * float64(time.Second))
	msgs, err := s.d.Read(ctx, req.Channel, req.ClientID, req.Wait, timeout)
	if err != nil {
		return nil, err
	}
	return proto.ReadReply{OK: true, Messages: msgs}, nil
}

func (s *Server) handleLeave(_ context.Context, req proto.Request) (any, error) {
	if err := s.d.Leave(req.Channel, req.ClientID); err != nil {
		return nil, err
	}
	return proto.OKReply{OK: true}, nil
}

func (s *Server) handleStatus(context.Context, proto.Request) (any, error) {
	reply := proto.StatusReply{
		OK:       true,
		DaemonID: s.d.ID(),
		Scope:    s.d.Scope(),
		Channels: s.d.Status(),
	}
	if s.stats != nil {
		reply.Stats = s.stats()
	}
	return reply, nil
}
