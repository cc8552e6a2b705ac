// Package recording writes capture sessions to pcap files and replays them
// as a capture.Source. Each descriptor and frame travels as one or more UDP
// datagrams so standard packet tools can inspect a recording.
package recording

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"time"

	"github.com/banshee-data/depthfuse/internal/capture"
)

// Port is the UDP destination port used for recorded datagrams.
const Port = 7450

// MaxChunk is the largest payload body carried by one datagram.
const MaxChunk = 32 * 1024

var magic = [4]byte{'D', 'F', 'U', 'S'}

type kind uint8

const (
	kindDescriptor kind = 1
	kindFrame      kind = 2
)

// header prefixes every datagram payload.
type header struct {
	Magic      [4]byte
	Kind       kind
	Device     uint8
	Sequence   uint64
	ChunkIndex uint16
	ChunkCount uint16
}

var headerSize = binary.Size(header{})

var errNotRecording = errors.New("not a recording datagram")

func encodeChunks(k kind, device int, seq uint64, body []byte) ([][]byte, error) {
	if device < 0 || device > math.MaxUint8 {
		return nil, fmt.Errorf("device index %d out of range", device)
	}
	count := (len(body) + MaxChunk - 1) / MaxChunk
	if count == 0 {
		count = 1
	}
	if count > math.MaxUint16 {
		return nil, fmt.Errorf("payload of %d bytes too large", len(body))
	}
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*MaxChunk, len(body))
		var buf bytes.Buffer
		h := header{Magic: magic, Kind: k, Device: uint8(device), Sequence: seq, ChunkIndex: uint16(i), ChunkCount: uint16(count)}
		if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
			return nil, err
		}
		buf.Write(body[i*MaxChunk : end])
		out = append(out, buf.Bytes())
	}
	return out, nil
}

func decodeHeader(payload []byte) (header, []byte, error) {
	var h header
	if len(payload) < headerSize {
		return h, nil, errNotRecording
	}
	if err := binary.Read(bytes.NewReader(payload[:headerSize]), binary.LittleEndian, &h); err != nil {
		return h, nil, err
	}
	if h.Magic != magic || h.ChunkCount == 0 || h.ChunkIndex >= h.ChunkCount {
		return h, nil, errNotRecording
	}
	return h, payload[headerSize:], nil
}

func encodeDescriptor(d capture.DeviceDescriptor) ([]byte, error) {
	return json.Marshal(d)
}

func decodeDescriptor(body []byte) (capture.DeviceDescriptor, error) {
	var d capture.DeviceDescriptor
	err := json.Unmarshal(body, &d)
	return d, err
}

// frameMeta is the fixed-size part of a frame body.
type frameMeta struct {
	DeviceTimestamp int64
	SystemUnixNano  int64
	Width, Height   uint32
	DepthScale      float64
	HasColor        uint8
}

func encodeFrame(f *capture.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	meta := frameMeta{
		DeviceTimestamp: int64(f.DeviceTimestamp),
		SystemUnixNano:  f.SystemTimestamp.UnixNano(),
		Width:           uint32(f.Width),
		Height:          uint32(f.Height),
		DepthScale:      f.DepthScale,
	}
	if f.Color != nil {
		meta.HasColor = 1
	}
	if err := binary.Write(&buf, binary.LittleEndian, meta); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, f.Depth); err != nil {
		return nil, err
	}
	for _, c := range f.Color {
		buf.Write([]byte{c.R, c.G, c.B, c.A})
	}
	return buf.Bytes(), nil
}

func decodeFrame(device int, seq uint64, body []byte) (*capture.Frame, error) {
	r := bytes.NewReader(body)
	var meta frameMeta
	if err := binary.Read(r, binary.LittleEndian, &meta); err != nil {
		return nil, fmt.Errorf("frame header: %w", err)
	}
	n := int(meta.Width) * int(meta.Height)
	if n == 0 || 2*n > r.Len() {
		return nil, fmt.Errorf("frame size %dx%d does not match %d body bytes", meta.Width, meta.Height, len(body))
	}
	f := &capture.Frame{
		DeviceIndex:     device,
		Sequence:        seq,
		DeviceTimestamp: time.Duration(meta.DeviceTimestamp),
		SystemTimestamp: time.Unix(0, meta.SystemUnixNano).UTC(),
		Width:           int(meta.Width),
		Height:          int(meta.Height),
		DepthScale:      meta.DepthScale,
		Depth:           make([]uint16, n),
	}
	if err := binary.Read(r, binary.LittleEndian, f.Depth); err != nil {
		return nil, fmt.Errorf("frame depth: %w", err)
	}
	if meta.HasColor == 1 {
		raw := make([]byte, 4*n)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("frame color: %w", err)
		}
		f.Color = make([]color.RGBA, n)
		for i := range f.Color {
			f.Color[i] = color.RGBA{R: raw[4*i], G: raw[4*i+1], B: raw[4*i+2], A: raw[4*i+3]}
		}
	}
	return f, nil
}

// assembler reassembles chunked bodies. Chunks of a message arrive in order;
// a gap discards the partial message.
type assembler struct {
	parts map[uint8]*partial
}

type partial struct {
	h    header
	next uint16
	body []byte
}

// add returns the complete body once the last chunk arrives.
func (a *assembler) add(h header, chunk []byte) ([]byte, bool) {
	if a.parts == nil {
		a.parts = make(map[uint8]*partial)
	}
	p := a.parts[h.Device]
	if h.ChunkIndex == 0 {
		p = &partial{h: h}
		a.parts[h.Device] = p
	}
	if p == nil || p.h.Kind != h.Kind || p.h.Sequence != h.Sequence || p.next != h.ChunkIndex {
		delete(a.parts, h.Device)
		return nil, false
	}
	p.body = append(p.body, chunk...)
	p.next++
	if p.next < h.ChunkCount {
		return nil, false
	}
	delete(a.parts, h.Device)
	return p.body, true
}
