package debuglog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Options struct {
	// Path is the log file; empty logs only to stderr (when Stderr is set)
	// or nowhere.
	Path   string
	Level  string
	Debug  bool
	Stderr bool
}

// Enabled reports whether WALKIE_DEBUG=1 is set.
func Enabled() bool {
	return os.Getenv("WALKIE_DEBUG") == "1"
}

// New builds the daemon logger. The returned close func syncs and closes
// the log file.
func New(opts Options) (*zap.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(strings.TrimSpace(opts.Level))
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}
	if opts.Debug || Enabled() {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enabler := zap.NewAtomicLevelAt(level)

	var cores []zapcore.Core
	var file *os.File
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0700); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, err
		}
		file = f
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), enabler))
	}
	if opts.Stderr {
		consoleCfg := encCfg
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), enabler))
	}
	if len(cores) == 0 {
		return zap.NewNop(), func() error { return nil }, nil
	}
	logger := zap.New(zapcore.NewTee(cores...))
	closeFn := func() error {
		_ = logger.Sync()
		if file != nil {
			return file.Close()
		}
		return nil
	}
	return logger, closeFn, nil
}

// Limiter lets one log line per key through per interval.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	sweep    time.Time
}

func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		last:     make(map[string]time.Time),
		sweep:    time.Now(),
	}
}

func (l *Limiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.last[key]) < l.interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*l.interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*l.interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}
