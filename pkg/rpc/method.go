package rpc

// Method identifies an RPC method name.
type Method string

func (m Method) String() string { return string(m) }

// Built-in methods handled directly by the node/dialer machinery.
const (
	PingMethod  Method = "ping"
	PongMethod  Method = "pong"
	ErrorMethod Method = "error"
)

// Event identifies a server-initiated notification (a request with no id).
type Event string

func (e Event) String() string { return string(e) }
