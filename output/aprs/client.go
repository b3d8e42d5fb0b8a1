// Package aprs provides the APRS-IS egress stage: it turns
// position-bearing mesh packets into beacon traffic on an APRS-IS
// session and reports gateway self-telemetry.
package aprs

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/black-roland/meshtastic-bridge/errors"
)

// Client is an APRS-IS session. The wire protocol beyond login and
// frame submission is out of the bridge's scope.
type Client interface {
	// Connect establishes the session. With blocking set the call
	// returns only once the server has accepted the login.
	Connect(blocking bool) error

	// SendAll submits one beacon or announcement frame.
	SendAll(frame string) error
}

// Dialer creates clients; swapped out in tests.
type Dialer func(server string, port int, callsign, password string, logger *slog.Logger) Client

// ConnCache shares APRS-IS sessions across pipeline stages. Sessions
// are keyed by server, port, and call sign, established once, and
// reused across invocations instead of reopened each time.
type ConnCache struct {
	mu      sync.Mutex
	clients map[string]Client
	dial    Dialer
	logger  *slog.Logger
}

// NewConnCache creates a connection cache using the given dialer, or
// the TCP dialer when nil.
func NewConnCache(dial Dialer, logger *slog.Logger) *ConnCache {
	if dial == nil {
		dial = dialTCP
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ConnCache{
		clients: make(map[string]Client),
		dial:    dial,
		logger:  logger,
	}
}

// Get returns the shared session for the endpoint, dialing and
// connecting it on first use.
func (c *ConnCache) Get(server string, port int, callsign, password string) (Client, error) {
	key := fmt.Sprintf("%s:%d:%s", server, port, callsign)

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client, nil
	}

	c.logger.Debug("Initializing APRS connection", "server", server, "port", port, "callsign", callsign)

	client := c.dial(server, port, callsign, password, c.logger)
	if err := client.Connect(true); err != nil {
		return nil, errors.WrapTransient(err, "ConnCache", "Get", "connect to APRS-IS")
	}

	c.clients[key] = client
	return client, nil
}

// tcpClient is the plain text APRS-IS session implementation.
type tcpClient struct {
	server   string
	port     int
	callsign string
	password string
	logger   *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

func dialTCP(server string, port int, callsign, password string, logger *slog.Logger) Client {
	return &tcpClient{
		server:   server,
		port:     port,
		callsign: callsign,
		password: password,
		logger:   logger,
	}
}

func (t *tcpClient) Connect(blocking bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", t.server, t.port), 15*time.Second)
	if err != nil {
		return err
	}

	login := fmt.Sprintf("user %s pass %s vers meshtastic-bridge 1.0\r\n", t.callsign, t.password)
	if _, err := conn.Write([]byte(login)); err != nil {
		conn.Close()
		return err
	}

	if blocking {
		// The server answers the login with a "# logresp" line.
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				conn.Close()
				return err
			}
			if strings.HasPrefix(line, "# logresp") {
				break
			}
		}
	}

	t.conn = conn
	t.logger.Debug("APRS-IS session established", "server", t.server, "callsign", t.callsign)
	return nil
}

func (t *tcpClient) SendAll(frame string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return errors.ErrNotConnected
	}

	if !strings.HasSuffix(frame, "\r\n") {
		frame += "\r\n"
	}

	_, err := t.conn.Write([]byte(frame))
	return err
}
