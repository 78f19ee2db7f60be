// Package format describes the PCM audio format negotiated between a
// client stream and the device it ends up attached to.
package format

import "fmt"

// Encoding is drawn from a closed set of sample encodings the server
// understands. Clients match a device's supported encoding or are
// rejected at connect time; no conversion is performed.
type Encoding int

const (
	S16LE Encoding = iota
	S24LE
	S32LE
	F32LE
)

func (e Encoding) String() string {
	switch e {
	case S16LE:
		return "S16LE"
	case S24LE:
		return "S24LE"
	case S32LE:
		return "S32LE"
	case F32LE:
		return "F32LE"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// SampleBytes returns the width in bytes of a single sample in this
// encoding, e.g. 2 for S16LE, 4 for S32LE/F32LE.
func (e Encoding) SampleBytes() int {
	switch e {
	case S16LE:
		return 2
	case S24LE:
		return 3
	case S32LE, F32LE:
		return 4
	default:
		return 0
	}
}

// Valid reports whether e is one of the closed set of encodings.
func (e Encoding) Valid() bool {
	return e >= S16LE && e <= F32LE
}

// Format is the {rate_hz, channels, sample_encoding} triple from
// spec §3. FrameBytes is channels * sample_bytes.
type Format struct {
	RateHz   int
	Channels int
	Encoding Encoding
}

// FrameBytes returns the stride of one multi-channel frame.
func (f Format) FrameBytes() int {
	return f.Channels * f.Encoding.SampleBytes()
}

// Equal reports whether two formats describe the same wire layout.
func (f Format) Equal(o Format) bool {
	return f.RateHz == o.RateHz && f.Channels == o.Channels && f.Encoding == o.Encoding
}

// Supported reports whether f appears in the given list of formats a
// device advertises, used to reject CONNECT messages whose format no
// device in the requested direction can serve.
func Supported(f Format, supported []Format) bool {
	for _, s := range supported {
		if f.Equal(s) {
			return true
		}
	}
	return false
}
