package realtime

import "encoding/json"

// Client frame actions.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Server frame types.
const (
	TypeWelcome      = "welcome"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypePong         = "pong"
	TypeError        = "error"
)

// ClientFrame is a request frame from a connection.
type ClientFrame struct {
	Action string   `json:"action"`
	Topics []string `json:"topics,omitempty"`
}

// ServerFrame is a control reply to a connection.
type ServerFrame struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// EventFrame is a broker message relayed to subscribed connections.
type EventFrame struct {
	Event string          `json:"event"`
	Topic string          `json:"topic"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}
