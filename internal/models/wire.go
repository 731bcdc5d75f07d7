package models

// EventMsg is the wire format for events mirrored onto JetStream.
type EventMsg struct {
	V       int    `msgpack:"v"`
	TS      int64  `msgpack:"ts"`
	AgentID string `msgpack:"agent_id"`
	Type    string `msgpack:"type"`
	Kind    string `msgpack:"kind,omitempty"`
	Data    []byte `msgpack:"data,omitempty"`
}
