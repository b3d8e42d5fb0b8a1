package geofence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/black-roland/meshtastic-bridge/device"
	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

type fakeDevice struct {
	device.Device

	position device.Position
}

func (f *fakeDevice) CurrentPosition() (device.Position, error) {
	return f.position, nil
}

func newStage(t *testing.T, options string, devices device.Registry) pipeline.Stage {
	t.Helper()

	stage, err := New(json.RawMessage(options), pipeline.Deps{Devices: devices})
	require.NoError(t, err)
	return stage
}

func positionPacket(lat, lng float64) *packet.Packet {
	return &packet.Packet{
		FromID: "!a",
		Decoded: &packet.Decoded{
			PortNum: packet.PortPosition,
			Position: &packet.Position{
				Latitude:  packet.FloatPtr(lat),
				Longitude: packet.FloatPtr(lng),
			},
		},
	}
}

// (0,0) to (0,1) is roughly 111 km along the equator.
func TestStage_WithinThreshold(t *testing.T) {
	stage := newStage(t, `{"compare_latitude":0,"compare_longitude":1,"max_distance_km":200,"comparison":"within"}`, nil)

	out, err := stage.Apply(context.Background(), positionPacket(0, 0))
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestStage_BeyondThresholdDrops(t *testing.T) {
	stage := newStage(t, `{"compare_latitude":0,"compare_longitude":1,"max_distance_km":50,"comparison":"within"}`, nil)

	out, err := stage.Apply(context.Background(), positionPacket(0, 0))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestStage_OutsideComparison(t *testing.T) {
	// outside drops packets closer than the threshold
	stage := newStage(t, `{"compare_latitude":0,"compare_longitude":1,"max_distance_km":200,"comparison":"outside"}`, nil)

	out, err := stage.Apply(context.Background(), positionPacket(0, 0))
	require.NoError(t, err)
	assert.Nil(t, out)

	stage = newStage(t, `{"compare_latitude":0,"compare_longitude":1,"max_distance_km":50,"comparison":"outside"}`, nil)
	out, err = stage.Apply(context.Background(), positionPacket(0, 0))
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestStage_ThresholdBoundaryPassesBothModes(t *testing.T) {
	distance := haversine(0, 0, 0, 1)

	for _, comparison := range []string{CompareWithin, CompareOutside} {
		options, err := json.Marshal(Config{
			CompareLatitude:  packet.FloatPtr(0),
			CompareLongitude: packet.FloatPtr(1),
			Comparison:       comparison,
			MaxDistanceKm:    distance,
		})
		require.NoError(t, err)

		stage, err := New(options, pipeline.Deps{})
		require.NoError(t, err)

		out, err := stage.Apply(context.Background(), positionPacket(0, 0))
		require.NoError(t, err)
		assert.NotNil(t, out, "distance equal to threshold passes %s", comparison)
	}
}

func TestStage_ZeroDistanceAlwaysPassesWithin(t *testing.T) {
	stage := newStage(t, `{"compare_latitude":48.85,"compare_longitude":2.35,"max_distance_km":0.001,"comparison":"within"}`, nil)

	out, err := stage.Apply(context.Background(), positionPacket(48.85, 2.35))
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestStage_DevicePositionReference(t *testing.T) {
	devices := device.Registry{
		"local": &fakeDevice{position: device.Position{Latitude: 0, Longitude: 1}},
	}
	stage := newStage(t, `{"device":"local","max_distance_km":50}`, devices)

	out, err := stage.Apply(context.Background(), positionPacket(0, 0))
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestStage_StaticOverrideWinsOverDevice(t *testing.T) {
	// The device is far away but the static reference sits on the
	// packet's position, so the packet passes.
	devices := device.Registry{
		"local": &fakeDevice{position: device.Position{Latitude: 50, Longitude: 50}},
	}
	stage := newStage(t, `{"device":"local","compare_latitude":0,"compare_longitude":0,"max_distance_km":10}`, devices)

	out, err := stage.Apply(context.Background(), positionPacket(0, 0))
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestStage_MissingPositionSkipsCheck(t *testing.T) {
	stage := newStage(t, `{"compare_latitude":0,"compare_longitude":1,"max_distance_km":1}`, nil)

	p := &packet.Packet{Decoded: &packet.Decoded{Text: "no position here"}}
	out, err := stage.Apply(context.Background(), p)
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestStage_ThresholdIgnoredWhenNonPositive(t *testing.T) {
	stage := newStage(t, `{"compare_latitude":0,"compare_longitude":1,"max_distance_km":0}`, nil)

	out, err := stage.Apply(context.Background(), positionPacket(80, 80))
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestStage_PositionMasking(t *testing.T) {
	stage := newStage(t, `{"latitude":11.1,"longitude":22.2}`, nil)

	out, err := stage.Apply(context.Background(), positionPacket(48.85, 2.35))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.InDelta(t, 11.1, packet.Float(out.Position().Latitude), 1e-9)
	assert.InDelta(t, 22.2, packet.Float(out.Position().Longitude), 1e-9)
}

func TestStage_MaskingAppliesWithoutDistanceCheck(t *testing.T) {
	// No reference configured: check skipped, masking still applied.
	stage := newStage(t, `{"latitude":5,"longitude":6,"max_distance_km":100}`, nil)

	out, err := stage.Apply(context.Background(), positionPacket(0, 0))
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.InDelta(t, 5.0, packet.Float(out.Position().Latitude), 1e-9)
}

func TestHaversine(t *testing.T) {
	assert.InDelta(t, 0, haversine(48.85, 2.35, 48.85, 2.35), 1e-9)
	assert.InDelta(t, 111.19, haversine(0, 0, 0, 1), 0.2)
	// Paris to London is about 344 km
	assert.InDelta(t, 344, haversine(48.8566, 2.3522, 51.5074, -0.1278), 5)
}
