package device

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Conn is the transport a broker-attached radio rides on. The broker
// client satisfies it.
type Conn interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string, handler func(data []byte)) (func(), error)
}

// Remote is a mesh radio attached through a broker: a gateway publishes
// the radio's received packets as JSON on <topic>.rx, and accepts send
// commands on <topic>.tx. The node directory and the radio's own
// position are maintained from observed traffic.
type Remote struct {
	name    string
	nodeNum int64
	conn    Conn
	topic   string
	logger  *slog.Logger

	mu          sync.RWMutex
	directory   map[int64]NodeInfo
	position    Position
	hasPosition bool

	unsubscribe func()
}

// NewRemote creates a broker-attached radio. nodeNum is the numeric id
// of the radio behind the gateway.
func NewRemote(name string, nodeNum int64, conn Conn, topic string, logger *slog.Logger) *Remote {
	if logger == nil {
		logger = slog.Default()
	}

	return &Remote{
		name:      name,
		nodeNum:   nodeNum,
		conn:      conn,
		topic:     topic,
		logger:    logger.With("device", name),
		directory: make(map[int64]NodeInfo),
	}
}

// Start subscribes to the radio's receive subject. Every packet updates
// the directory before it is handed to the callback.
func (r *Remote) Start(handler func(data []byte)) error {
	unsubscribe, err := r.conn.Subscribe(r.topic+".rx", func(data []byte) {
		r.observe(data)
		if handler != nil {
			handler(data)
		}
	})
	if err != nil {
		return err
	}

	r.unsubscribe = unsubscribe
	r.logger.Info("Listening for packets", "topic", r.topic+".rx")
	return nil
}

// Stop cancels the receive subscription.
func (r *Remote) Stop() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

// NodeNum returns the numeric id of the radio behind the gateway.
func (r *Remote) NodeNum() int64 {
	return r.nodeNum
}

// CurrentPosition returns the radio's last observed position fix.
func (r *Remote) CurrentPosition() (Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.hasPosition {
		return Position{}, fmt.Errorf("device %s: no position observed yet", r.name)
	}
	return r.position, nil
}

// NodeDirectory returns a snapshot of every node heard on this radio.
func (r *Remote) NodeDirectory() map[int64]NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[int64]NodeInfo, len(r.directory))
	for num, info := range r.directory {
		snapshot[num] = info
	}
	return snapshot
}

// SendText transmits a plain text message to the destination id.
func (r *Remote) SendText(ctx context.Context, text string, destination string) error {
	return r.send(ctx, map[string]any{
		"type": "sendtext",
		"to":   destination,
		"text": text,
	})
}

// SendPosition transmits a position report to the destination id.
func (r *Remote) SendPosition(ctx context.Context, latitude, longitude, altitude float64, destination string) error {
	return r.send(ctx, map[string]any{
		"type":      "sendposition",
		"to":        destination,
		"latitude":  latitude,
		"longitude": longitude,
		"altitude":  altitude,
	})
}

// SendRaw re-transmits an application payload under the given port
// number to the destination id.
func (r *Remote) SendRaw(ctx context.Context, portNum string, payload []byte, destination string) error {
	return r.send(ctx, map[string]any{
		"type":    "sendraw",
		"to":      destination,
		"portnum": portNum,
		"payload": base64.StdEncoding.EncodeToString(payload),
	})
}

func (r *Remote) send(ctx context.Context, command map[string]any) error {
	data, err := json.Marshal(command)
	if err != nil {
		return err
	}
	return r.conn.Publish(ctx, r.topic+".tx", data)
}

// observedPacket is the slice of the packet JSON the directory needs.
type observedPacket struct {
	From    int64 `json:"from"`
	RxTime  int64 `json:"rxTime"`
	Decoded *struct {
		PortNum  string `json:"portnum"`
		User     *User  `json:"user"`
		Position *struct {
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
			Altitude  *float64 `json:"altitude"`
		} `json:"position"`
	} `json:"decoded"`
}

// observe folds one received packet into the directory and, for the
// radio's own position packets, the current position fix.
func (r *Remote) observe(data []byte) {
	var p observedPacket
	if err := json.Unmarshal(data, &p); err != nil || p.From == 0 {
		return
	}

	heard := p.RxTime
	if heard == 0 {
		heard = time.Now().Unix()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	info := r.directory[p.From]
	if heard > info.LastHeard {
		info.LastHeard = heard
	}
	if p.Decoded != nil && p.Decoded.User != nil {
		info.User = *p.Decoded.User
	}
	r.directory[p.From] = info

	if p.From == r.nodeNum && p.Decoded != nil && p.Decoded.Position != nil &&
		p.Decoded.Position.Latitude != nil && p.Decoded.Position.Longitude != nil {
		r.position = Position{
			Latitude:  *p.Decoded.Position.Latitude,
			Longitude: *p.Decoded.Position.Longitude,
		}
		if p.Decoded.Position.Altitude != nil {
			r.position.Altitude = *p.Decoded.Position.Altitude
		}
		r.hasPosition = true
	}
}
