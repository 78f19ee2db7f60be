package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auraudio/aurad/internal/device"
	"github.com/auraudio/aurad/internal/errs"
	"github.com/auraudio/aurad/internal/ioloop"
	"github.com/auraudio/aurad/pkg/format"
	"github.com/auraudio/aurad/pkg/ring"
	"github.com/auraudio/aurad/pkg/stream"
)

var stereo48 = format.Format{RateHz: 48000, Channels: 2, Encoding: format.S16LE}

func newStreamRecord(t *testing.T, id stream.ID, dir stream.Direction, typ stream.Type) *stream.Record {
	t.Helper()
	rec, err := stream.New(id, dir, typ, stereo48, 256, 96, 16, 0)
	require.NoError(t, err)
	rec.Ring = ring.New(stereo48.FrameBytes(), 256*stereo48.FrameBytes())
	return rec
}

// registerDevice spins up a dummy-backed worker and registers it with
// the Router, returning the worker for assertions. The worker's Run
// loop is started so mailbox sends (ATTACH/REATTACH) are drained.
func registerDevice(t *testing.T, r *Router, idx int, dir stream.Direction) *ioloop.Worker {
	t.Helper()
	dummy := device.NewDummy(idx, dir, []format.Format{stereo48})
	w := ioloop.New(dummy, nil, time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go w.Run(ctx)
	r.RegisterWorker(w, dummy.JackEvents())
	return w
}

func waitForStreamCount(t *testing.T, w *ioloop.Worker, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(w.Streams()) == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Len(t, w.Streams(), n)
}

// TestActiveNodeIdempotence covers spec §8 universal property 6:
// selecting the same node twice fires exactly one notification.
func TestActiveNodeIdempotence(t *testing.T) {
	r := New()
	var fired int
	r.OnActiveOutputNodeChanged = func(id uint64) { fired++ }

	speaker := &Node{ID: NodeID(1, 0), DeviceIdx: 1, Direction: stream.Output, Kind: NodeSpeaker, Plugged: true}
	r.AddNode(speaker)

	r.SelectNode(stream.Output, speaker.ID)
	r.SelectNode(stream.Output, speaker.ID)

	assert.Equal(t, 1, fired)
	assert.True(t, r.IsActive(speaker.ID))
}

// TestPlugPriorityPrefersHDMIOverSpeaker covers spec §4.C7's plug
// priority order.
func TestPlugPriorityPrefersHDMIOverSpeaker(t *testing.T) {
	r := New()
	speaker := &Node{ID: NodeID(1, 0), DeviceIdx: 1, Direction: stream.Output, Kind: NodeSpeaker, Plugged: true, PluggedTime: time.Unix(0, 0)}
	hdmi := &Node{ID: NodeID(2, 0), DeviceIdx: 2, Direction: stream.Output, Kind: NodeHDMI, Plugged: true, PluggedTime: time.Unix(1, 0)}
	r.AddNode(speaker)
	r.AddNode(hdmi)

	r.NodesChanged()

	assert.True(t, r.IsActive(hdmi.ID))
	assert.False(t, r.IsActive(speaker.ID))
}

func TestDeviceForReturnsRoutingAbsentWithNoActiveNode(t *testing.T) {
	r := New()
	_, err := r.DeviceFor(stream.Output, stream.TypeMedia)
	assert.ErrorIs(t, err, errs.ErrRoutingAbsent)
}

// TestAttachThenSwitchTypeToDeviceMigratesStream exercises reattach_all:
// a stream attached to the default output device is moved to a second
// device once SWITCH_TYPE_TO_DEVICE overrides its type.
func TestAttachThenSwitchTypeToDeviceMigratesStream(t *testing.T) {
	r := New()
	w1 := registerDevice(t, r, 1, stream.Output)
	w2 := registerDevice(t, r, 2, stream.Output)

	speaker := &Node{ID: NodeID(1, 0), DeviceIdx: 1, Direction: stream.Output, Kind: NodeSpeaker, Plugged: true}
	r.AddNode(speaker)
	r.NodesChanged()

	rec := newStreamRecord(t, 1, stream.Output, stream.TypeMedia)
	require.NoError(t, r.Attach(rec))
	waitForStreamCount(t, w1, 1)

	require.NoError(t, r.SwitchTypeToDevice(stream.TypeMedia, 2))
	waitForStreamCount(t, w1, 0)
	waitForStreamCount(t, w2, 1)
	assert.Equal(t, 2, rec.DeviceBinding)
}

// TestHandleDeviceFailedReroutesStreams covers the C11 failure path:
// streams displaced from a failed device land on the surviving
// fallback device for their type.
func TestHandleDeviceFailedReroutesStreams(t *testing.T) {
	r := New()
	w1 := registerDevice(t, r, 1, stream.Output)
	w2 := registerDevice(t, r, 2, stream.Output)

	speaker := &Node{ID: NodeID(1, 0), DeviceIdx: 1, Direction: stream.Output, Kind: NodeSpeaker, Plugged: true, PluggedTime: time.Unix(0, 0)}
	hdmi := &Node{ID: NodeID(2, 0), DeviceIdx: 2, Direction: stream.Output, Kind: NodeHDMI, Plugged: true, PluggedTime: time.Unix(0, 0)}
	r.AddNode(speaker)
	r.AddNode(hdmi)
	r.NodesChanged() // HDMI wins by priority; speaker override pins streams to device 1 below

	require.NoError(t, r.SwitchTypeToDevice(stream.TypeMedia, 1))
	rec := newStreamRecord(t, 1, stream.Output, stream.TypeMedia)
	require.NoError(t, r.Attach(rec))
	waitForStreamCount(t, w1, 1)

	r.handleDeviceFailed(1, w1.Streams())

	waitForStreamCount(t, w2, 1)
	assert.False(t, speaker.Plugged)
}

// TestAttachWithNoDeviceParksThenAttachesOnNodesChanged covers spec §7's
// routing_absent policy: a stream CONNECTed before any device exists
// for its type is not rejected, and attaches automatically once one
// shows up.
func TestAttachWithNoDeviceParksThenAttachesOnNodesChanged(t *testing.T) {
	r := New()
	rec := newStreamRecord(t, 1, stream.Output, stream.TypeMedia)
	require.NoError(t, r.Attach(rec))

	w := registerDevice(t, r, 1, stream.Output)
	speaker := &Node{ID: NodeID(1, 0), DeviceIdx: 1, Direction: stream.Output, Kind: NodeSpeaker, Plugged: true}
	r.AddNode(speaker)
	r.NodesChanged()

	waitForStreamCount(t, w, 1)
	assert.Equal(t, 1, rec.DeviceBinding)
}
