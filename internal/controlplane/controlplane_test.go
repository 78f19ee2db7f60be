package controlplane

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auraudio/aurad/internal/routing"
	"github.com/auraudio/aurad/internal/state"
	"github.com/auraudio/aurad/pkg/format"
	"github.com/auraudio/aurad/pkg/stream"
)

var stereo48 = format.Format{RateHz: 48000, Channels: 2, Encoding: format.S16LE}

func startStateAndPlane(t *testing.T) (*state.State, *routing.Router, *Server) {
	t.Helper()
	st := state.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go st.Run(ctx)

	r := routing.New()
	return st, r, New(st, r)
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond())
}

func TestGetNodesReflectsRoutingAfterNodesChanged(t *testing.T) {
	_, r, cp := startStateAndPlane(t)

	speaker := &routing.Node{ID: routing.NodeID(1, 0), DeviceIdx: 1, Direction: stream.Output, Kind: routing.NodeSpeaker, Plugged: true, Name: "Speaker"}
	mic := &routing.Node{ID: routing.NodeID(2, 0), DeviceIdx: 2, Direction: stream.Input, Kind: routing.NodeInternalMic, Plugged: true, Name: "Mic"}
	r.AddNode(speaker)
	r.AddNode(mic)
	r.NodesChanged()

	waitUntil(t, func() bool { return len(cp.GetNodes()) == 2 })

	var sawOutput, sawInput bool
	for _, n := range cp.GetNodes() {
		if n.ID == speaker.ID {
			sawOutput = true
			assert.False(t, n.IsInput)
			assert.Equal(t, "Speaker", n.Name)
		}
		if n.ID == mic.ID {
			sawInput = true
			assert.True(t, n.IsInput)
		}
	}
	assert.True(t, sawOutput)
	assert.True(t, sawInput)
}

func TestSetActiveOutputNodeRejectsUnknownID(t *testing.T) {
	_, _, cp := startStateAndPlane(t)
	err := cp.SetActiveOutputNode(999)
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestSetActiveOutputNodeMarksNodeActive(t *testing.T) {
	_, r, cp := startStateAndPlane(t)
	speaker := &routing.Node{ID: routing.NodeID(1, 0), DeviceIdx: 1, Direction: stream.Output, Kind: routing.NodeSpeaker, Plugged: true}
	hdmi := &routing.Node{ID: routing.NodeID(2, 0), DeviceIdx: 2, Direction: stream.Output, Kind: routing.NodeHDMI, Plugged: true}
	r.AddNode(speaker)
	r.AddNode(hdmi)
	r.NodesChanged() // hdmi wins by priority first

	require.NoError(t, cp.SetActiveOutputNode(speaker.ID))

	waitUntil(t, func() bool {
		for _, n := range cp.GetNodes() {
			if n.ID == speaker.ID {
				return n.Active
			}
		}
		return false
	})
}

func TestVolumeRoundTrip(t *testing.T) {
	_, _, cp := startStateAndPlane(t)
	cp.SetOutputVolume(42)
	cp.SetOutputMute(true)
	cp.SetInputGain(500)
	cp.SetInputMute(true)
	cp.SetOutputUserMute(false)

	waitUntil(t, func() bool {
		vol, mute, gain, capMute, userMute := cp.GetVolumeState()
		return vol == 42 && mute && gain == 500 && capMute && !userMute
	})
}

func TestGetNumberOfActiveStreamsTracksAttach(t *testing.T) {
	_, r, cp := startStateAndPlane(t)
	assert.Equal(t, int32(0), cp.GetNumberOfActiveStreams())

	rec, err := stream.New(1, stream.Output, stream.TypeMedia, stereo48, 256, 96, 16, 0)
	require.NoError(t, err)
	require.NoError(t, r.Attach(rec))

	waitUntil(t, func() bool { return cp.GetNumberOfActiveStreams() == 1 })

	r.Detach(rec)
	waitUntil(t, func() bool { return cp.GetNumberOfActiveStreams() == 0 })
}
