//go:build linux

package device

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/yobert/alsa"

	"github.com/auraudio/aurad/pkg/format"
	"github.com/auraudio/aurad/pkg/ring"
	"github.com/auraudio/aurad/pkg/stream"
)

// alsaFormat maps a negotiated format.Encoding onto the yobert/alsa
// sample format it asks the card for. ALSA hardware that only speaks
// integer PCM has no native float encoding, so S24LE/F32LE streams
// are rejected at Open rather than silently resampled (spec §7,
// format_unsupported).
func alsaFormat(e format.Encoding) (alsa.FormatType, error) {
	switch e {
	case format.S16LE:
		return alsa.S16_LE, nil
	case format.S32LE:
		return alsa.S32_LE, nil
	default:
		return 0, fmt.Errorf("device: alsa: %v not supported by this backend", e)
	}
}

// ALSADevice drives a real sound card through github.com/yobert/alsa.
// yobert/alsa exposes a blocking Read/Write interface, not the
// mmap/avail surface spec §4.C4 wants, so ALSADevice keeps a
// pkg/ring.Ring as the "hardware mirror": MMapBegin/MMapCommit operate
// on that ring, and a feeder goroutine continuously drains it
// (output) or fills it (input) via blocking Read/Write calls against
// the real device, the same shape as the teacher's data-mover
// goroutines.
type ALSADevice struct {
	idx     int
	dir     stream.Direction
	dev     *alsa.Device
	formats []format.Format
	log     *slog.Logger

	mu      sync.Mutex
	cur     format.Format
	mirror  *ring.Ring
	period  int
	opened  bool
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	jackCh  chan JackEvent
}

// NewALSADevice wraps dev as device index idx serving direction dir.
// formats should be the subset of dev's negotiable formats the caller
// intends to offer; Open rejects anything outside it.
func NewALSADevice(idx int, dir stream.Direction, dev *alsa.Device, formats []format.Format) *ALSADevice {
	return &ALSADevice{
		idx:     idx,
		dir:     dir,
		dev:     dev,
		formats: formats,
		log:     slog.Default().With("component", "alsa_device", "idx", idx),
		jackCh:  make(chan JackEvent),
	}
}

func (a *ALSADevice) Idx() int                          { return a.idx }
func (a *ALSADevice) Direction() stream.Direction       { return a.dir }
func (a *ALSADevice) SupportedFormats() []format.Format { return a.formats }
func (a *ALSADevice) CurrentFormat() format.Format      { return a.cur }
func (a *ALSADevice) BufferFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mirror == nil {
		return 0
	}
	return a.mirror.CapacityFrames()
}
func (a *ALSADevice) JackEvents() <-chan JackEvent { return a.jackCh }

func (a *ALSADevice) Open(f format.Format, bufferFrames int) error {
	if !format.Supported(f, a.formats) {
		return fmt.Errorf("device: alsa %d: %w: %v", a.idx, ErrNotOpen, f)
	}
	want, err := alsaFormat(f.Encoding)
	if err != nil {
		return err
	}

	if err := a.dev.Open(); err != nil {
		return fmt.Errorf("device: alsa %d: Open: %w", a.idx, err)
	}
	if _, err := a.dev.NegotiateChannels(f.Channels); err != nil {
		a.dev.Close()
		return fmt.Errorf("device: alsa %d: NegotiateChannels: %w", a.idx, err)
	}
	if _, err := a.dev.NegotiateRate(f.RateHz); err != nil {
		a.dev.Close()
		return fmt.Errorf("device: alsa %d: NegotiateRate: %w", a.idx, err)
	}
	if _, err := a.dev.NegotiateFormat(want); err != nil {
		a.dev.Close()
		return fmt.Errorf("device: alsa %d: NegotiateFormat: %w", a.idx, err)
	}
	periodSize, err := a.dev.NegotiatePeriodSize(bufferFrames / 4)
	if err != nil {
		a.dev.Close()
		return fmt.Errorf("device: alsa %d: NegotiatePeriodSize: %w", a.idx, err)
	}
	if _, err := a.dev.NegotiateBufferSize(bufferFrames); err != nil {
		a.dev.Close()
		return fmt.Errorf("device: alsa %d: NegotiateBufferSize: %w", a.idx, err)
	}
	if err := a.dev.Prepare(); err != nil {
		a.dev.Close()
		return fmt.Errorf("device: alsa %d: Prepare: %w", a.idx, err)
	}

	mirror := ring.New(f.FrameBytes(), bufferFrames*f.FrameBytes())

	a.mu.Lock()
	a.cur = f
	a.mirror = mirror
	a.period = periodSize
	a.opened = true
	a.mu.Unlock()
	return nil
}

func (a *ALSADevice) Close() error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if started {
		a.Stop()
	}
	a.mu.Lock()
	a.opened = false
	a.mirror = nil
	a.mu.Unlock()
	return a.dev.Close()
}

func (a *ALSADevice) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened {
		return ErrNotOpen
	}
	if a.started {
		return nil
	}
	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	a.started = true
	go a.feed(a.stopCh, a.doneCh)
	return nil
}

func (a *ALSADevice) Stop() error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	stopCh, doneCh := a.stopCh, a.doneCh
	a.mu.Unlock()
	close(stopCh)
	<-doneCh
	return nil
}

// feed is the data-mover goroutine: for an output device it drains
// the mirror ring into blocking Write calls; for input it fills the
// mirror ring from blocking Read calls. It runs for the life of one
// Start/Stop cycle.
func (a *ALSADevice) feed(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	a.mu.Lock()
	period, fb, mirror := a.period, a.cur.FrameBytes(), a.mirror
	a.mu.Unlock()
	chunk := make([]byte, period*fb)

	for {
		select {
		case <-stop:
			return
		default:
		}

		if a.dir == stream.Output {
			n := mirror.Read(chunk)
			if n == 0 {
				continue
			}
			if err := a.dev.Write(chunk[:n*fb], period); err != nil {
				a.log.Error("alsa write failed", "err", err)
				return
			}
		} else {
			if err := a.dev.Read(chunk); err != nil {
				a.log.Error("alsa read failed", "err", err)
				return
			}
			mirror.Write(chunk)
		}
	}
}

func (a *ALSADevice) AvailFrames() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened {
		return 0, ErrNotOpen
	}
	if a.dir == stream.Output {
		return a.mirror.AvailableToWrite(), nil
	}
	return a.mirror.AvailableToRead(), nil
}

func (a *ALSADevice) MMapBegin(frames int) ([]byte, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened {
		return nil, 0, ErrNotOpen
	}
	if a.dir == stream.Output {
		buf, granted := a.mirror.ReserveWrite(frames)
		return buf, granted, nil
	}
	buf, granted := a.mirror.ReserveRead(frames)
	return buf, granted, nil
}

func (a *ALSADevice) MMapCommit(frames int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.dir == stream.Output {
		a.mirror.CommitWrite(frames)
	} else {
		a.mirror.CommitRead(frames)
	}
	return nil
}

func (a *ALSADevice) DelayFrames() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.opened {
		return 0, ErrNotOpen
	}
	if a.dir == stream.Output {
		return a.mirror.AvailableToRead(), nil
	}
	return a.mirror.AvailableToWrite(), nil
}

// OpenALSADevices enumerates every playable/recordable PCM device on
// every card and wraps each as an ALSADevice, the server-startup
// counterpart to the teacher's card/device lookup helpers.
func OpenALSADevices(formats []format.Format) ([]*ALSADevice, func(), error) {
	cards, err := alsa.OpenCards()
	if err != nil {
		return nil, nil, fmt.Errorf("device: alsa: OpenCards: %w", err)
	}
	closeAll := func() { alsa.CloseCards(cards) }

	var out []*ALSADevice
	idx := 0
	for _, card := range cards {
		devs, err := card.Devices()
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("device: alsa: card %v: Devices: %w", card, err)
		}
		for _, d := range devs {
			if d.Type != alsa.PCM {
				continue
			}
			if d.Play {
				out = append(out, NewALSADevice(idx, stream.Output, d, formats))
				idx++
			}
			if d.Record {
				out = append(out, NewALSADevice(idx, stream.Input, d, formats))
				idx++
			}
		}
	}
	return out, closeAll, nil
}
