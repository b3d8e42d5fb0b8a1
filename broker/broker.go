// Package broker manages named pub/sub broker connections for the
// bridge. Each configured broker is one NATS connection shared by every
// pipeline stage that references it by name; stages never close or
// reconfigure a shared connection, only the owning lifecycle does.
package broker

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/black-roland/meshtastic-bridge/errors"
)

// Config holds connection settings for one named broker.
type Config struct {
	URL           string        `json:"url"`
	Username      string        `json:"username,omitempty"`
	Password      string        `json:"password,omitempty"`
	Token         string        `json:"token,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty"`
}

// Client is one broker connection. Publish blocks until the broker has
// confirmed delivery: a JetStream ack when the subject is bound to a
// stream, otherwise a flush round-trip.
type Client struct {
	name   string
	url    string
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	reconnects atomic.Int32
}

// NewClient creates an unconnected broker client
func NewClient(name string, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		name:   name,
		url:    cfg.URL,
		logger: logger.With("broker", name),
	}
}

// Name returns the configured broker name
func (c *Client) Name() string {
	return c.name
}

// Connect establishes the broker connection. The dial is synchronous
// and bounded by the context deadline, so a failed attempt never leaves
// a live connection behind.
func (c *Client) Connect(ctx context.Context, cfg Config) error {
	opts := []nats.Option{
		nats.Name("meshtastic-bridge"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.reconnects.Add(1)
			c.logger.Info("Broker reconnected")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("Broker disconnected", "error", err)
		}),
	}

	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}

	c.conn = conn
	if js, err := jetstream.New(conn); err == nil {
		c.js = js
	}

	c.logger.Info("Connected to broker", "url", c.url)
	return nil
}

// IsConnected reports whether the underlying connection is up
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// Publish sends a message and waits for delivery confirmation.
func (c *Client) Publish(ctx context.Context, topic string, data []byte) error {
	if !c.IsConnected() {
		return errors.WrapTransient(errors.ErrNotConnected, "Client", "Publish", "check connection")
	}

	// Prefer a JetStream ack when the subject belongs to a stream.
	if c.js != nil {
		_, err := c.js.Publish(ctx, topic, data)
		if err == nil {
			return nil
		}
		if !isNoStreamErr(err) {
			return errors.WrapTransient(err, "Client", "Publish", "jetstream publish")
		}
	}

	if err := c.conn.Publish(topic, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "core publish")
	}

	// Flush round-trip confirms the broker received the message.
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "flush")
	}

	return nil
}

// Subscribe delivers every message on the topic to the handler. The
// returned function cancels the subscription.
func (c *Client) Subscribe(topic string, handler func(data []byte)) (func(), error) {
	if !c.IsConnected() {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "Client", "Subscribe", "check connection")
	}

	sub, err := c.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "Subscribe", "subscribe")
	}

	return func() { _ = sub.Unsubscribe() }, nil
}

// isNoStreamErr reports whether a JetStream publish failed because no
// stream is bound to the subject, in which case core publish applies.
func isNoStreamErr(err error) bool {
	return err != nil &&
		(stderrors.Is(err, jetstream.ErrNoStreamResponse) || stderrors.Is(err, nats.ErrNoResponders))
}

// Close drains and closes the connection
func (c *Client) Close() {
	if c.conn == nil {
		return
	}

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("Broker drain failed, closing hard", "error", err)
		c.conn.Close()
	}
}

// Registry holds broker clients by configured name.
type Registry map[string]*Client

// Get returns the named client, or nil when not configured
func (r Registry) Get(name string) *Client {
	return r[name]
}
