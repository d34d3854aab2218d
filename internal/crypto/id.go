package crypto

import (
	"strings"

	"github.com/google/uuid"
)

// NewDaemonID returns a short random identifier for one daemon process.
// It is reported to peers in hello frames and used as the sender of
// messages originating on this daemon.
func NewDaemonID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewInstanceID returns a full random identifier, used by transports that
// need to recognise duplicate connections to the same remote process.
func NewInstanceID() string {
	return uuid.NewString()
}
