// Package packet defines the canonical packet record flowing through the
// bridge pipeline and the normalizer that produces it from heterogeneous
// inbound data.
package packet

import (
	"encoding/json"

	"github.com/black-roland/meshtastic-bridge/device"
)

// Well-known application port numbers.
const (
	PortText     = "TEXT_MESSAGE_APP"
	PortPosition = "POSITION_APP"
)

// Position is an embedded location report. Latitude and longitude are
// pointers so an absent coordinate is distinguishable from zero.
type Position struct {
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Time      int64    `json:"time,omitempty"`
}

// Resolved reports whether both coordinates are present.
func (p *Position) Resolved() bool {
	return p != nil && p.Latitude != nil && p.Longitude != nil
}

// Decoded holds the application-level content of a packet.
type Decoded struct {
	PortNum  string    `json:"portnum,omitempty"`
	Text     string    `json:"text,omitempty"`
	Payload  string    `json:"payload,omitempty"`
	Position *Position `json:"position,omitempty"`
}

// Packet is the canonical structured record for one mesh message or
// event. A nil *Packet is the dropped marker: consumers must stop and
// forward nothing.
//
// Envelope is set only when an encrypt stage has replaced the packet
// with its serialized crypto envelope; no stage other than decrypt may
// interpret a packet whose Envelope is non-empty.
type Packet struct {
	ID        int64        `json:"id,omitempty"`
	From      int64        `json:"from,omitempty"`
	To        int64        `json:"to,omitempty"`
	FromID    string       `json:"fromId,omitempty"`
	ToID      string       `json:"toId,omitempty"`
	Channel   int          `json:"channel,omitempty"`
	RxTime    int64        `json:"rxTime,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
	Decoded   *Decoded     `json:"decoded,omitempty"`
	FromUser  *device.User `json:"fromUser,omitempty"`
	Envelope  string       `json:"-"`
}

// Text returns decoded.text, or "" when absent.
func (p *Packet) Text() string {
	if p == nil || p.Decoded == nil {
		return ""
	}
	return p.Decoded.Text
}

// PortNum returns decoded.portnum, or "" when absent.
func (p *Packet) PortNum() string {
	if p == nil || p.Decoded == nil {
		return ""
	}
	return p.Decoded.PortNum
}

// Position returns the embedded position, or nil when absent.
func (p *Packet) Position() *Position {
	if p == nil || p.Decoded == nil {
		return nil
	}
	return p.Decoded.Position
}

// plainPacket strips Packet's methods so json.Marshal encodes the
// struct fields instead of recursing through MarshalText.
type plainPacket Packet

// Clone returns a deep copy of the packet.
func (p *Packet) Clone() *Packet {
	if p == nil {
		return nil
	}

	data, err := json.Marshal((*plainPacket)(p))
	if err != nil {
		copied := *p
		return &copied
	}

	var clone Packet
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *p
		return &copied
	}

	clone.Envelope = p.Envelope
	return &clone
}

// MarshalText serializes the packet to its canonical JSON form.
func (p *Packet) MarshalText() ([]byte, error) {
	return json.Marshal((*plainPacket)(p))
}

// Float returns the float value pointed to, or 0 for nil. Convenience
// for position fields that have already passed a Resolved check.
func Float(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}

// FloatPtr returns a pointer to v.
func FloatPtr(v float64) *float64 {
	return &v
}
