package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

func positionTextPacket() *packet.Packet {
	return &packet.Packet{
		FromID: "!a1b2",
		ToID:   "^all",
		Decoded: &packet.Decoded{
			PortNum: packet.PortText,
			Text:    "hello mesh",
			Position: &packet.Position{
				Latitude:  packet.FloatPtr(48.85),
				Longitude: packet.FloatPtr(2.35),
			},
		},
	}
}

func TestStage_PostsRenderedBody(t *testing.T) {
	var received map[string]any
	var authHeader string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	t.Setenv("WEBHOOK_TOKEN", "s3cret")

	options := fmt.Sprintf(`{
		"url": %q,
		"body": "{\"msg\":\"{MSG}\",\"lat\":\"{LAT}\",\"lng\":\"{LNG}\",\"from\":\"{FID}\",\"to\":\"{TID}\"}",
		"headers": {"Authorization": "Bearer {WEBHOOK_TOKEN}"}
	}`, server.URL)

	stage, err := New(json.RawMessage(options), pipeline.Deps{})
	require.NoError(t, err)

	p := positionTextPacket()
	out, err := stage.Apply(context.Background(), p)
	require.NoError(t, err)
	assert.Same(t, p, out)

	assert.Equal(t, "Bearer s3cret", authHeader)
	assert.Equal(t, "hello mesh", received["msg"])
	assert.Equal(t, "48.85", received["lat"])
	assert.Equal(t, "2.35", received["lng"])
	assert.Equal(t, "!a1b2", received["from"])
	assert.Equal(t, "^all", received["to"])
}

func TestStage_ConfiguredMessageWinsOverText(t *testing.T) {
	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
	}))
	defer server.Close()

	options := fmt.Sprintf(`{"url":%q,"body":"{\"msg\":\"{MSG}\"}","message":"canned text"}`, server.URL)
	stage, err := New(json.RawMessage(options), pipeline.Deps{})
	require.NoError(t, err)

	_, err = stage.Apply(context.Background(), positionTextPacket())
	require.NoError(t, err)
	assert.Equal(t, "canned text", received["msg"])
}

func TestStage_NonSuccessResponseDoesNotFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	options := fmt.Sprintf(`{"url":%q,"body":"{\"msg\":\"{MSG}\"}"}`, server.URL)
	stage, err := New(json.RawMessage(options), pipeline.Deps{})
	require.NoError(t, err)

	p := positionTextPacket()
	out, err := stage.Apply(context.Background(), p)
	require.NoError(t, err)
	assert.Same(t, p, out)
}

func TestStage_InactivePassesThrough(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		called = true
	}))
	defer server.Close()

	options := fmt.Sprintf(`{"active":false,"url":%q,"body":"{}"}`, server.URL)
	stage, err := New(json.RawMessage(options), pipeline.Deps{})
	require.NoError(t, err)

	p := positionTextPacket()
	out, err := stage.Apply(context.Background(), p)
	require.NoError(t, err)
	assert.Same(t, p, out)
	assert.False(t, called)
}

func TestStage_MissingBodyPassesThrough(t *testing.T) {
	stage, err := New(json.RawMessage(`{"url":"http://localhost:1"}`), pipeline.Deps{})
	require.NoError(t, err)

	p := positionTextPacket()
	out, err := stage.Apply(context.Background(), p)
	require.NoError(t, err)
	assert.Same(t, p, out)
}

func TestStage_NoPositionRendersEmptyCoordinates(t *testing.T) {
	stage := &Stage{config: Config{Body: `{"lat":"{LAT}","lng":"{LNG}","msg":"{MSG}"}`}}

	p := &packet.Packet{Decoded: &packet.Decoded{Text: "hi"}}
	body := stage.renderBody(p)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &decoded))
	assert.Equal(t, "", decoded["lat"])
	assert.Equal(t, "", decoded["lng"])
	assert.Equal(t, "hi", decoded["msg"])
}

func TestResolveSecrets(t *testing.T) {
	t.Setenv("BRIDGE_API_KEY", "abc123")

	assert.Equal(t, "key abc123", resolveSecrets("key {BRIDGE_API_KEY}"))
	assert.Equal(t, "plain value", resolveSecrets("plain value"))
	assert.Equal(t, "{UNSET_NAME_XYZ}", resolveSecrets("{UNSET_NAME_XYZ}"))
}
