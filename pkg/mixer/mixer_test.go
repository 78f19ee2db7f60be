package mixer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auraudio/aurad/pkg/format"
	"github.com/auraudio/aurad/pkg/ring"
)

func s16(v int16) []byte { return []byte{byte(v), byte(v >> 8)} }

func TestMixS16AddsAtUnityVolume(t *testing.T) {
	f := format.Format{RateHz: 48000, Channels: 1, Encoding: format.S16LE}
	dst := s16(100)
	src := s16(200)

	n := Mix(dst, src, 1, f, ring.UnityVolume, false)
	require.Equal(t, 1, n)
	got := int16(uint16(dst[0]) | uint16(dst[1])<<8)
	assert.Equal(t, int16(300), got)
}

func TestMixS16SaturatesOnOverflow(t *testing.T) {
	f := format.Format{RateHz: 48000, Channels: 1, Encoding: format.S16LE}
	dst := s16(math.MaxInt16 - 10)
	src := s16(100)

	Mix(dst, src, 1, f, ring.UnityVolume, false)
	got := int16(uint16(dst[0]) | uint16(dst[1])<<8)
	assert.Equal(t, int16(math.MaxInt16), got)
}

func TestMixSystemMuteIsNoOpButReportsCount(t *testing.T) {
	f := format.Format{RateHz: 48000, Channels: 1, Encoding: format.S16LE}
	dst := s16(42)
	src := s16(200)

	n := Mix(dst, src, 1, f, ring.UnityVolume, true)
	assert.Equal(t, 1, n)
	got := int16(uint16(dst[0]) | uint16(dst[1])<<8)
	assert.Equal(t, int16(42), got, "dst must be untouched under system mute")
}

func TestMixRespectsVolumeScaler(t *testing.T) {
	f := format.Format{RateHz: 48000, Channels: 1, Encoding: format.S16LE}
	dst := s16(0)
	src := s16(1000)
	halfVolume := ring.UnityVolume / 2

	Mix(dst, src, 1, f, halfVolume, false)
	got := int16(uint16(dst[0]) | uint16(dst[1])<<8)
	assert.Equal(t, int16(500), got)
}

func TestMixF32ClipsToUnitRange(t *testing.T) {
	f := format.Format{RateHz: 48000, Channels: 1, Encoding: format.F32LE}
	dst := make([]byte, 4)
	src := make([]byte, 4)
	putF32(dst, 0.9)
	putF32(src, 0.9)

	Mix(dst, src, 1, f, ring.UnityVolume, false)
	assert.Equal(t, float32(1.0), getF32(dst))
}

func putF32(b []byte, v float32) {
	bits := math.Float32bits(v)
	b[0] = byte(bits)
	b[1] = byte(bits >> 8)
	b[2] = byte(bits >> 16)
	b[3] = byte(bits >> 24)
}

func getF32(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}

func TestZeroFillsOnlyRequestedFrames(t *testing.T) {
	f := format.Format{RateHz: 48000, Channels: 1, Encoding: format.S16LE}
	dst := []byte{1, 2, 3, 4}
	Zero(dst, 1, f)
	assert.Equal(t, []byte{0, 0, 3, 4}, dst)
}
