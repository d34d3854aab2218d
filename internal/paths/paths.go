// Package paths resolves the per-daemon directory and the files inside it.
//
// Several daemons can share one home directory: each agent runtime gets
// its own scope under <base>/agents/<scope>, chosen from WALKIE_AGENT_ID or,
// when WALKIE_DIR is not set explicitly, from YPI_INSTANCE_ID/PI_INSTANCE_ID.
package paths

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const DefaultScope = "default"

type Paths struct {
	Root     string
	Scope    string
	Socket   string
	PID      string
	Log      string
	Config   string
	Metrics  string
	Identity string
}

var unsafeSegment = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeSegment maps an arbitrary string to a safe single path segment.
func SanitizeSegment(in string) string {
	v := unsafeSegment.ReplaceAllString(strings.TrimSpace(in), "-")
	v = strings.Trim(v, "-")
	if v == "" || v == "." || v == ".." {
		return DefaultScope
	}
	return v
}

// InferScope returns "" when no scope applies.
func InferScope(getenv func(string) string) string {
	if v := getenv("WALKIE_AGENT_ID"); v != "" {
		return SanitizeSegment(v)
	}
	if getenv("WALKIE_DIR") != "" {
		return ""
	}
	if v := getenv("YPI_INSTANCE_ID"); v != "" {
		return SanitizeSegment(v)
	}
	if v := getenv("PI_INSTANCE_ID"); v != "" {
		return SanitizeSegment(v)
	}
	return ""
}

func Resolve(getenv func(string) string) Paths {
	base := getenv("WALKIE_DIR")
	if base == "" {
		home := getenv("HOME")
		if home == "" {
			home, _ = os.UserHomeDir()
		}
		base = filepath.Join(home, ".walkie")
	}
	root := base
	scope := InferScope(getenv)
	if scope == "" {
		scope = DefaultScope
	} else {
		root = filepath.Join(base, "agents", scope)
	}
	return Paths{
		Root:     root,
		Scope:    scope,
		Socket:   filepath.Join(root, "daemon.sock"),
		PID:      filepath.Join(root, "daemon.pid"),
		Log:      filepath.Join(root, "daemon.log"),
		Config:   filepath.Join(root, "config.yaml"),
		Metrics:  filepath.Join(root, "metrics.json"),
		Identity: filepath.Join(root, "identity.json"),
	}
}

// FromEnv resolves paths from the process environment.
func FromEnv() Paths {
	return Resolve(os.Getenv)
}
