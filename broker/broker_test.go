package broker

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/black-roland/meshtastic-bridge/errors"
)

func TestClient_Creation(t *testing.T) {
	client := NewClient("home", Config{URL: "nats://localhost:4222"}, nil)

	require.NotNil(t, client)
	assert.Equal(t, "home", client.Name())
	assert.False(t, client.IsConnected())
}

func TestClient_PublishNotConnected(t *testing.T) {
	client := NewClient("home", Config{URL: "nats://localhost:4222"}, nil)

	err := client.Publish(context.Background(), "msh.tx", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrNotConnected))
	assert.True(t, errors.IsTransient(err))
}

func TestClient_ConnectFailureLeavesDisconnected(t *testing.T) {
	client := NewClient("home", Config{URL: "nats://127.0.0.1:1"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Connect(ctx, Config{URL: "nats://127.0.0.1:1"})
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.False(t, client.IsConnected(), "a failed dial must not leave a connection behind")
}

func TestClient_CloseWithoutConnect(t *testing.T) {
	client := NewClient("home", Config{URL: "nats://localhost:4222"}, nil)
	assert.NotPanics(t, func() { client.Close() })
}

func TestRegistry_Get(t *testing.T) {
	client := NewClient("home", Config{URL: "nats://localhost:4222"}, nil)
	registry := Registry{"home": client}

	assert.Same(t, client, registry.Get("home"))
	assert.Nil(t, registry.Get("missing"))
}
