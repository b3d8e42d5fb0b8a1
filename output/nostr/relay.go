package nostr

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

// RelayManager is a short-lived set of relay sessions: opened for one
// publish, flushed, and closed. Stages never hold sessions across
// invocations.
type RelayManager interface {
	AddRelay(url string)
	OpenConnections(ctx context.Context)
	PublishEvent(event nostr.Event) error
	CloseConnections()
}

// wsRelayManager drives plain websocket sessions to each relay.
// Certificate verification is disabled: several public relays run with
// incomplete chains and the events carry their own signatures.
type wsRelayManager struct {
	urls   []string
	logger *slog.Logger

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSRelayManager(logger *slog.Logger) RelayManager {
	return &wsRelayManager{logger: logger}
}

func (m *wsRelayManager) AddRelay(url string) {
	m.urls = append(m.urls, url)
}

// OpenConnections dials every added relay. A relay that cannot be
// reached is logged and skipped; publishing proceeds on the rest.
func (m *wsRelayManager) OpenConnections(ctx context.Context) {
	dialer := websocket.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, url := range m.urls {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			m.logger.Warn("Relay connection failed", "relay", url, "error", err)
			continue
		}
		m.conns = append(m.conns, conn)
	}
}

// PublishEvent submits the signed event to every open session.
func (m *wsRelayManager) PublishEvent(event nostr.Event) error {
	frame, err := json.Marshal([]any{"EVENT", event})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.conns {
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			m.logger.Warn("Relay publish failed", "relay", conn.RemoteAddr().String(), "error", err)
		}
	}

	return nil
}

func (m *wsRelayManager) CloseConnections() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.conns {
		_ = conn.Close()
	}
	m.conns = nil
}
