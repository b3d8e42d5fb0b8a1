package nostr

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

type fakeManager struct {
	relays    []string
	opened    bool
	closed    bool
	published []nostr.Event
}

func (f *fakeManager) AddRelay(url string)               { f.relays = append(f.relays, url) }
func (f *fakeManager) OpenConnections(_ context.Context) { f.opened = true }
func (f *fakeManager) CloseConnections()                 { f.closed = true }
func (f *fakeManager) PublishEvent(event nostr.Event) error {
	f.published = append(f.published, event)
	return nil
}

func testKeys(t *testing.T) (nsec, npub string) {
	t.Helper()

	privateKey := nostr.GeneratePrivateKey()
	publicKey, err := nostr.GetPublicKey(privateKey)
	require.NoError(t, err)

	nsec, err = nip19.EncodePrivateKey(privateKey)
	require.NoError(t, err)
	npub, err = nip19.EncodePublicKey(publicKey)
	require.NoError(t, err)
	return nsec, npub
}

func textPacket(text string) *packet.Packet {
	return &packet.Packet{Decoded: &packet.Decoded{PortNum: packet.PortText, Text: text}}
}

func newTestStage(t *testing.T, options string) (*Stage, *fakeManager) {
	t.Helper()

	built, err := New(json.RawMessage(options), pipeline.Deps{})
	require.NoError(t, err)

	stage := built.(*Stage)
	manager := &fakeManager{}
	stage.newManager = func() RelayManager { return manager }
	return stage, manager
}

func TestStage_MissingKeysPassesThrough(t *testing.T) {
	tests := []struct {
		name    string
		options string
	}{
		{"no keys", `{}`},
		{"private only", `{"private_key":"nsec1aaaa"}`},
		{"public only", `{"public_key":"npub1aaaa"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stage, manager := newTestStage(t, tt.options)

			p := textPacket("hello")
			out, err := stage.Apply(context.Background(), p)
			require.NoError(t, err)
			assert.Same(t, p, out)
			assert.False(t, manager.opened)
		})
	}
}

func TestStage_PublishesSignedTextNote(t *testing.T) {
	nsec, npub := testKeys(t)

	options := fmt.Sprintf(`{
		"private_key": %q,
		"public_key": %q,
		"relays": ["wss://relay.example.org"],
		"startup_wait": 0,
		"publish_wait": 0
	}`, nsec, npub)

	stage, manager := newTestStage(t, options)

	p := textPacket("hello mesh")
	out, err := stage.Apply(context.Background(), p)
	require.NoError(t, err)
	assert.Same(t, p, out)

	assert.Equal(t, []string{
		"wss://nostr-pub.wellorder.net",
		"wss://relay.damus.io",
		"wss://relay.example.org",
	}, manager.relays, "configured relays append to the defaults")
	assert.True(t, manager.opened)
	assert.True(t, manager.closed)

	require.Len(t, manager.published, 1)
	event := manager.published[0]
	assert.Equal(t, nostr.KindTextNote, event.Kind)
	assert.Equal(t, "hello mesh", event.Content)

	valid, err := event.CheckSignature()
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestStage_MessageTemplate(t *testing.T) {
	nsec, npub := testKeys(t)

	options := fmt.Sprintf(`{
		"private_key": %q,
		"public_key": %q,
		"message": "mesh says: {MSG}",
		"startup_wait": 0,
		"publish_wait": 0
	}`, nsec, npub)

	stage, manager := newTestStage(t, options)

	_, err := stage.Apply(context.Background(), textPacket("hi"))
	require.NoError(t, err)

	require.Len(t, manager.published, 1)
	assert.Equal(t, "mesh says: hi", manager.published[0].Content)
}

func TestStage_PrivateKeyFromEnvironment(t *testing.T) {
	nsec, npub := testKeys(t)
	t.Setenv("NOSTR_NSEC", nsec)

	options := fmt.Sprintf(`{
		"private_key": "{NOSTR_NSEC}",
		"public_key": %q,
		"startup_wait": 0,
		"publish_wait": 0
	}`, npub)

	stage, manager := newTestStage(t, options)

	_, err := stage.Apply(context.Background(), textPacket("hi"))
	require.NoError(t, err)
	require.Len(t, manager.published, 1)

	valid, err := manager.published[0].CheckSignature()
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestStage_UnreadableKeySkipsDelivery(t *testing.T) {
	stage, manager := newTestStage(t, `{
		"private_key": "nsec1notakey",
		"public_key": "npub1notakey",
		"startup_wait": 0,
		"publish_wait": 0
	}`)

	p := textPacket("hi")
	out, err := stage.Apply(context.Background(), p)
	require.NoError(t, err, "unreadable keys never abort the pipeline")
	assert.Same(t, p, out)
	assert.False(t, manager.opened)
}

func TestDecodeKey(t *testing.T) {
	nsec, npub := testKeys(t)

	privateHex, err := decodeKey(nsec, "nsec")
	require.NoError(t, err)
	publicHex, err := decodeKey(npub, "npub")
	require.NoError(t, err)

	derived, err := nostr.GetPublicKey(privateHex)
	require.NoError(t, err)
	assert.Equal(t, publicHex, derived)

	// Raw hex passes through untouched.
	passthrough, err := decodeKey(privateHex, "nsec")
	require.NoError(t, err)
	assert.Equal(t, privateHex, passthrough)

	// Wrong prefix is rejected.
	_, err = decodeKey(npub, "nsec")
	assert.Error(t, err)
}
