package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/auraudio/aurad/internal/errs"
	"github.com/auraudio/aurad/pkg/format"
	"github.com/auraudio/aurad/pkg/stream"
)

// frameHeader is the {length:u32, kind:u32} prefix every message
// begins with (spec §6). length counts only the body that follows.
type frameHeader struct {
	Length uint32
	Kind   uint32
}

// Frame builds the {length, kind} prefix and body into one buffer
// without writing it anywhere, for callers that need the raw bytes
// alongside out-of-band data (internal/shm's SCM_RIGHTS sends).
func Frame(kind Kind, body []byte) ([]byte, error) {
	if len(body) > MaxMessageSize {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds MaxMessageSize", errs.ErrProtocol, len(body))
	}
	hdr := frameHeader{Length: uint32(len(body)), Kind: uint32(kind)}
	buf := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Length)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.Kind)
	copy(buf[8:], body)
	return buf, nil
}

// WriteMessage frames kind/body and writes it to w in one call.
func WriteMessage(w io.Writer, kind Kind, body []byte) error {
	buf, err := Frame(kind, body)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads one framed message from r. A length exceeding
// MaxMessageSize is rejected as a protocol error before any
// allocation proportional to the attacker-controlled length happens.
func ReadMessage(r io.Reader) (Kind, []byte, error) {
	var hdrBuf [8]byte
	if _, err := io.ReadFull(r, hdrBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(hdrBuf[0:4])
	kind := Kind(binary.LittleEndian.Uint32(hdrBuf[4:8]))
	if length > MaxMessageSize {
		return 0, nil, fmt.Errorf("%w: frame length %d exceeds MaxMessageSize", errs.ErrProtocol, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return kind, body, nil
}

// --------------------------------------------------------------------------------
// Per-message marshaling. Every numeric field is written as a fixed
// native-width little-endian integer, per spec §6.

func marshalFormat(buf *bytes.Buffer, f format.Format) {
	binary.Write(buf, binary.LittleEndian, uint32(f.RateHz))
	binary.Write(buf, binary.LittleEndian, uint32(f.Channels))
	binary.Write(buf, binary.LittleEndian, uint32(f.Encoding))
}

func unmarshalFormat(r *bytes.Reader) (format.Format, error) {
	var rate, channels, enc uint32
	if err := binary.Read(r, binary.LittleEndian, &rate); err != nil {
		return format.Format{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &channels); err != nil {
		return format.Format{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &enc); err != nil {
		return format.Format{}, err
	}
	return format.Format{RateHz: int(rate), Channels: int(channels), Encoding: format.Encoding(enc)}, nil
}

// MarshalConnect encodes a Connect message body.
func MarshalConnect(m Connect) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, m.ProtoVer)
	binary.Write(&buf, binary.LittleEndian, uint32(m.Direction))
	binary.Write(&buf, binary.LittleEndian, uint64(m.StreamID))
	binary.Write(&buf, binary.LittleEndian, uint32(m.Type))
	binary.Write(&buf, binary.LittleEndian, m.BufferFrames)
	binary.Write(&buf, binary.LittleEndian, m.CBThreshold)
	binary.Write(&buf, binary.LittleEndian, m.MinCBLevel)
	binary.Write(&buf, binary.LittleEndian, m.Flags)
	marshalFormat(&buf, m.Format)
	return buf.Bytes()
}

// UnmarshalConnect decodes a Connect message body. A body-length
// mismatch or unreadable field is a protocol error (spec §4.C3).
func UnmarshalConnect(body []byte) (Connect, error) {
	r := bytes.NewReader(body)
	var m Connect
	var dir, typ uint32
	var sid uint64
	fields := []any{&m.ProtoVer, &dir, &sid, &typ, &m.BufferFrames, &m.CBThreshold, &m.MinCBLevel, &m.Flags}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return Connect{}, fmt.Errorf("%w: truncated CONNECT body: %v", errs.ErrProtocol, err)
		}
	}
	m.Direction = stream.Direction(dir)
	m.StreamID = stream.ID(sid)
	m.Type = stream.Type(typ)
	fm, err := unmarshalFormat(r)
	if err != nil {
		return Connect{}, fmt.Errorf("%w: truncated CONNECT format: %v", errs.ErrProtocol, err)
	}
	m.Format = fm
	if r.Len() != 0 {
		return Connect{}, fmt.Errorf("%w: CONNECT body has %d trailing bytes", errs.ErrProtocol, r.Len())
	}
	return m, nil
}

// MarshalDisconnect encodes a Disconnect message body.
func MarshalDisconnect(m Disconnect) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint64(m.StreamID))
	return buf.Bytes()
}

// UnmarshalDisconnect decodes a Disconnect message body.
func UnmarshalDisconnect(body []byte) (Disconnect, error) {
	if len(body) != 8 {
		return Disconnect{}, fmt.Errorf("%w: DISCONNECT body length %d, want 8", errs.ErrProtocol, len(body))
	}
	return Disconnect{StreamID: stream.ID(binary.LittleEndian.Uint64(body))}, nil
}

// MarshalSwitchTypeToDevice encodes a SwitchTypeToDevice message body.
func MarshalSwitchTypeToDevice(m SwitchTypeToDevice) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(m.Type))
	binary.Write(&buf, binary.LittleEndian, m.DeviceIdx)
	return buf.Bytes()
}

// UnmarshalSwitchTypeToDevice decodes a SwitchTypeToDevice message body.
func UnmarshalSwitchTypeToDevice(body []byte) (SwitchTypeToDevice, error) {
	if len(body) != 8 {
		return SwitchTypeToDevice{}, fmt.Errorf("%w: SWITCH_TYPE_TO_DEVICE body length %d, want 8", errs.ErrProtocol, len(body))
	}
	return SwitchTypeToDevice{
		Type:      stream.Type(binary.LittleEndian.Uint32(body[0:4])),
		DeviceIdx: binary.LittleEndian.Uint32(body[4:8]),
	}, nil
}

// MarshalClientConnected encodes a ClientConnected message body.
func MarshalClientConnected(m ClientConnected) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, m.ClientID)
	return buf
}

// UnmarshalClientConnected decodes a ClientConnected message body.
func UnmarshalClientConnected(body []byte) (ClientConnected, error) {
	if len(body) != 4 {
		return ClientConnected{}, fmt.Errorf("%w: CLIENT_CONNECTED body length %d, want 4", errs.ErrProtocol, len(body))
	}
	return ClientConnected{ClientID: binary.LittleEndian.Uint32(body)}, nil
}

// MarshalStreamConnected encodes a StreamConnected message body. The
// ring descriptor itself is not in the body; see internal/shm for how
// it rides as SCM_RIGHTS on the same write.
func MarshalStreamConnected(m StreamConnected) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, m.Err)
	binary.Write(&buf, binary.LittleEndian, uint64(m.StreamID))
	marshalFormat(&buf, m.Format)
	binary.Write(&buf, binary.LittleEndian, m.RingMaxSize)
	return buf.Bytes()
}

// UnmarshalStreamConnected decodes a StreamConnected message body.
func UnmarshalStreamConnected(body []byte) (StreamConnected, error) {
	r := bytes.NewReader(body)
	var m StreamConnected
	var sid uint64
	if err := binary.Read(r, binary.LittleEndian, &m.Err); err != nil {
		return StreamConnected{}, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &sid); err != nil {
		return StreamConnected{}, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
	}
	m.StreamID = stream.ID(sid)
	fm, err := unmarshalFormat(r)
	if err != nil {
		return StreamConnected{}, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
	}
	m.Format = fm
	if err := binary.Read(r, binary.LittleEndian, &m.RingMaxSize); err != nil {
		return StreamConnected{}, fmt.Errorf("%w: %v", errs.ErrProtocol, err)
	}
	return m, nil
}

// MarshalStreamReattach encodes a StreamReattach message body.
func MarshalStreamReattach(m StreamReattach) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(m.StreamID))
	return buf
}

// UnmarshalStreamReattach decodes a StreamReattach message body.
func UnmarshalStreamReattach(body []byte) (StreamReattach, error) {
	if len(body) != 8 {
		return StreamReattach{}, fmt.Errorf("%w: STREAM_REATTACH body length %d, want 8", errs.ErrProtocol, len(body))
	}
	return StreamReattach{StreamID: stream.ID(binary.LittleEndian.Uint64(body))}, nil
}

// MarshalRequestData encodes a RequestData message body.
func MarshalRequestData(m RequestData) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, m.Frames)
	return buf
}

// UnmarshalRequestData decodes a RequestData message body.
func UnmarshalRequestData(body []byte) (RequestData, error) {
	if len(body) != 4 {
		return RequestData{}, fmt.Errorf("%w: REQUEST_DATA body length %d, want 4", errs.ErrProtocol, len(body))
	}
	return RequestData{Frames: binary.LittleEndian.Uint32(body)}, nil
}

// MarshalDataReady encodes a DataReady message body.
func MarshalDataReady(m DataReady) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, m.Frames)
	return buf
}

// UnmarshalDataReady decodes a DataReady message body.
func UnmarshalDataReady(body []byte) (DataReady, error) {
	if len(body) != 4 {
		return DataReady{}, fmt.Errorf("%w: DATA_READY body length %d, want 4", errs.ErrProtocol, len(body))
	}
	return DataReady{Frames: binary.LittleEndian.Uint32(body)}, nil
}

// MarshalError encodes an Error message body.
func MarshalError(m Error) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(m.Code))
	return buf
}

// UnmarshalError decodes an Error message body.
func UnmarshalError(body []byte) (Error, error) {
	if len(body) != 4 {
		return Error{}, fmt.Errorf("%w: ERROR body length %d, want 4", errs.ErrProtocol, len(body))
	}
	return Error{Code: ErrorCode(binary.LittleEndian.Uint32(body))}, nil
}
