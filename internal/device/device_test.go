package device

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auraudio/aurad/pkg/format"
	"github.com/auraudio/aurad/pkg/stream"
)

var stereo48 = format.Format{RateHz: 48000, Channels: 2, Encoding: format.S16LE}

func TestDummyOpenRejectsUnsupportedFormat(t *testing.T) {
	d := NewDummy(0, stream.Output, []format.Format{stereo48})
	err := d.Open(format.Format{RateHz: 44100, Channels: 1, Encoding: format.S16LE}, 512)
	assert.Error(t, err)
}

func TestDummyOutputAvailAndMMapRoundTrip(t *testing.T) {
	d := NewDummy(0, stream.Output, []format.Format{stereo48})
	require.NoError(t, d.Open(stereo48, 256))
	require.NoError(t, d.Start())

	avail, err := d.AvailFrames()
	require.NoError(t, err)
	assert.Equal(t, 256, avail)

	buf, granted, err := d.MMapBegin(128)
	require.NoError(t, err)
	assert.Equal(t, 128, granted)
	assert.Len(t, buf, 128*stereo48.FrameBytes())
	require.NoError(t, d.MMapCommit(128))

	avail, _ = d.AvailFrames()
	assert.Equal(t, 128, avail)

	d.Advance(64)
	avail, _ = d.AvailFrames()
	assert.Equal(t, 192, avail)
}

func TestDummyInputFillsAndDrains(t *testing.T) {
	d := NewDummy(0, stream.Input, []format.Format{stereo48})
	require.NoError(t, d.Open(stereo48, 256))

	avail, _ := d.AvailFrames()
	assert.Equal(t, 0, avail)

	d.Advance(100)
	avail, _ = d.AvailFrames()
	assert.Equal(t, 100, avail)

	buf, granted, err := d.MMapBegin(50)
	require.NoError(t, err)
	assert.Equal(t, 50, granted)
	assert.Len(t, buf, 50*stereo48.FrameBytes())
	require.NoError(t, d.MMapCommit(50))

	avail, _ = d.AvailFrames()
	assert.Equal(t, 50, avail)
}

func TestDummyJackEvents(t *testing.T) {
	d := NewDummy(0, stream.Output, []format.Format{stereo48})
	go d.Unplug()
	ev := <-d.JackEvents()
	assert.False(t, ev.Plugged)
}

// TestFillTimeFromFrames uses spec §8 scenario S1's literal numbers,
// plus the original implementation's "Long" and "Short" cases, to pin
// down that delay is subtracted from frames-ahead, not added.
func TestFillTimeFromFrames(t *testing.T) {
	sec, nsec := FillTimeFromFrames(24000, 12000, 48000)
	assert.Equal(t, int64(0), sec)
	assert.InDelta(t, 250_000_000, nsec, 100_000)

	sec, nsec = FillTimeFromFrames(120000, 12000, 48000)
	assert.Equal(t, int64(2), sec)
	assert.InDelta(t, 250_000_000, nsec, 100_000)

	// Delay already covers frames-ahead: due now, not in the past.
	sec, nsec = FillTimeFromFrames(12000, 12000, 48000)
	assert.Equal(t, int64(0), sec)
	assert.Equal(t, int64(0), nsec)
}

func TestWAVFixtureRoundTrip(t *testing.T) {
	f := format.Format{RateHz: 44100, Channels: 1, Encoding: format.S16LE}
	want := make([]byte, 0, 8)
	for _, s := range []int16{100, -200, 30000, -30000} {
		want = append(want, byte(s), byte(s>>8))
	}

	tmp, err := os.CreateTemp(t.TempDir(), "fixture-*.wav")
	require.NoError(t, err)
	require.NoError(t, SaveWAVFixture(tmp, f, want))
	require.NoError(t, tmp.Close())

	rf, err := os.Open(tmp.Name())
	require.NoError(t, err)
	defer rf.Close()

	got, gotFmt, err := LoadWAVFixture(rf)
	require.NoError(t, err)
	assert.Equal(t, f.RateHz, gotFmt.RateHz)
	assert.Equal(t, f.Channels, gotFmt.Channels)
	assert.Equal(t, want, got)
}
