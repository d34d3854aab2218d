package proto

// Control actions accepted on the daemon socket.
const (
	ActionJoin   = "join"
	ActionSend   = "send"
	ActionRead   = "read"
	ActionLeave  = "leave"
	ActionStatus = "status"
	ActionPing   = "ping"
	ActionStop   = "stop"
)

// Request is one control command. Fields not used by an action are
// ignored.
type Request struct {
	Action   string  `json:"action"`
	Channel  string  `json:"channel,omitempty"`
	Secret   string  `json:"secret,omitempty"`
	ClientID string  `json:"clientId,omitempty"`
	Message  string  `json:"message,omitempty"`
	Wait     bool    `json:"wait,omitempty"`
	Timeout  float64 `json:"timeout,omitempty"`
}

// Message is a delivered channel message as seen by a local reader.
type Message struct {
	From string `json:"from"`
	Data string `json:"data"`
	TS   int64  `json:"ts"`
}

type ChannelStatus struct {
	Peers       int `json:"peers"`
	Subscribers int `json:"subscribers"`
	Buffered    int `json:"buffered"`
}

// Reply shapes written by the daemon, one per action.

type OKReply struct {
	OK bool `json:"ok"`
}

type ErrorReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

type JoinReply struct {
	OK      bool   `json:"ok"`
	Channel string `json:"channel"`
}

type SendReply struct {
	OK        bool `json:"ok"`
	Delivered int  `json:"delivered"`
}

type ReadReply struct {
	OK       bool      `json:"ok"`
	Messages []Message `json:"messages"`
}

type StatusReply struct {
	OK       bool                     `json:"ok"`
	DaemonID string                   `json:"daemonId"`
	Scope    string                   `json:"scope,omitempty"`
	Channels map[string]ChannelStatus `json:"channels"`
	Stats    any                      `json:"stats,omitempty"`
}

// Response is the client-side view of any reply.
type Response struct {
	OK        bool                     `json:"ok"`
	Error     string                   `json:"error,omitempty"`
	Channel   string                   `json:"channel,omitempty"`
	Delivered int                      `json:"delivered,omitempty"`
	Messages  []Message                `json:"messages,omitempty"`
	DaemonID  string                   `json:"daemonId,omitempty"`
	Scope     string                   `json:"scope,omitempty"`
	Channels  map[string]ChannelStatus `json:"channels,omitempty"`
}
