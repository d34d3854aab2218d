// Package pprofutil serves runtime profiles for a running node. It only
// binds loopback addresses since profiles expose process internals.
package pprofutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultAddr is used when profiling is switched on without an address.
const DefaultAddr = "127.0.0.1:6060"

const shutdownTimeout = 2 * time.Second

// Server is a running profile endpoint.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *zap.Logger
}

// Start listens on addr and serves /debug/pprof/ from its own mux, so
// nothing else registered on http.DefaultServeMux is exposed.
func Start(addr string, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if addr == "" {
		addr = DefaultAddr
	}
	if !IsLoopback(addr) {
		return nil, fmt.Errorf("pprof address must be loopback: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: logger,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("pprof server stopped", zap.Error(err))
		}
	}()
	logger.Info("pprof enabled", zap.String("url", "http://"+s.Addr()+"/debug/pprof/"))
	return s, nil
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// IsLoopback reports whether addr is a host:port on a loopback host.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
