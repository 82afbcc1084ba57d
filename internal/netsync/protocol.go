// Package netsync carries tick packets between a session and its peers: an
// inbox drained once per tick, a delayed outbox whose last sent tick is the
// rewind watermark, and a websocket transport.
package netsync

import (
	"encoding/json"

	"tickreplay.dev/internal/input"
)

const Version = "1.0"

// Message types.
const (
	TypeHello  = "HELLO"
	TypeTick   = "TICK"
	TypeRemote = "REMOTE"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

type Hello struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Session         string `json:"session"`
	Name            string `json:"name,omitempty"`
}

// Packet is one tick of outgoing simulation state.
type Packet struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Session         string          `json:"session,omitempty"`
	Tick            uint64          `json:"tick"`
	Keys            input.Set       `json:"keys"`
	State           json.RawMessage `json:"state,omitempty"`
}

// Remote is a peer's packet as relayed back to other sessions.
type Remote struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	From            string          `json:"from"`
	Tick            uint64          `json:"tick"`
	Keys            input.Set       `json:"keys"`
	State           json.RawMessage `json:"state,omitempty"`
}

// NewPacket fills in the envelope fields.
func NewPacket(tick uint64, keys input.Set, state any) (Packet, error) {
	p := Packet{Type: TypeTick, ProtocolVersion: Version, Tick: tick, Keys: keys}
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return Packet{}, err
		}
		p.State = b
	}
	return p, nil
}
