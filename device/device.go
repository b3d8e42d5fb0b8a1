// Package device defines the collaborator surface for connected mesh
// radios. The bridge core only needs position lookups, the node
// directory, and the three send operations; transport and native packet
// framing live behind these interfaces.
package device

import "context"

// User is the identity record a radio keeps for a known node.
type User struct {
	ID        string `json:"id,omitempty"`
	LongName  string `json:"longName,omitempty"`
	ShortName string `json:"shortName,omitempty"`
	HWModel   string `json:"hwModel,omitempty"`
}

// NodeInfo describes one entry in a radio's node directory.
type NodeInfo struct {
	User      User  `json:"user"`
	LastHeard int64 `json:"lastHeard,omitempty"`
}

// Position is a device-reported location fix.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude,omitempty"`
}

// Device is a connected mesh radio.
type Device interface {
	// NodeNum returns the numeric id of the locally connected node.
	NodeNum() int64

	// CurrentPosition returns the radio's own position fix.
	CurrentPosition() (Position, error)

	// NodeDirectory returns every node the radio has heard of, keyed by
	// numeric id. Includes nodes with incomplete identity records.
	NodeDirectory() map[int64]NodeInfo

	// SendText transmits a plain text message to the destination id.
	SendText(ctx context.Context, text string, destination string) error

	// SendPosition transmits a position report to the destination id.
	SendPosition(ctx context.Context, latitude, longitude, altitude float64, destination string) error

	// SendRaw re-transmits an application payload under the given port
	// number to the destination id.
	SendRaw(ctx context.Context, portNum string, payload []byte, destination string) error
}

// Registry holds connected devices by configured name.
type Registry map[string]Device
