package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/depthfuse/internal/capture"
	"github.com/banshee-data/depthfuse/internal/monitoring"
)

// Replay is a capture.Source that plays back a recording. Each started
// device reads the file independently.
type Replay struct {
	Path string
	// SpeedMultiplier scales playback (1.0 = real-time, 2.0 = 2x speed);
	// 0 delivers frames as fast as the receiver reads.
	SpeedMultiplier float64

	mu      sync.Mutex
	started time.Time
	running map[int]*replayStream
}

type replayStream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReplay creates a Replay of the recording at path.
func NewReplay(path string, speed float64) *Replay {
	return &Replay{Path: path, SpeedMultiplier: speed}
}

// packetReader walks the datagrams of a recording and reassembles messages.
type packetReader struct {
	file   *os.File
	source *gopacket.PacketSource
	asm    assembler
}

func openPackets(path string) (*packetReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording %s: %w", path, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	src := gopacket.NewPacketSource(r, r.LinkType())
	src.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	return &packetReader{file: f, source: src}, nil
}

func (p *packetReader) Close() error { return p.file.Close() }

// next returns the next complete message, or io.EOF.
func (p *packetReader) next() (header, []byte, error) {
	for {
		packet, err := p.source.NextPacket()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return header{}, nil, io.EOF
			}
			return header{}, nil, err
		}
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || udp.DstPort != Port {
			continue
		}
		h, chunk, err := decodeHeader(udp.Payload)
		if err != nil {
			continue
		}
		if body, ok := p.asm.add(h, chunk); ok {
			return h, body, nil
		}
	}
}

// Enumerate returns the descriptors stored at the head of the recording.
func (r *Replay) Enumerate(ctx context.Context) ([]capture.DeviceDescriptor, error) {
	p, err := openPackets(r.Path)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	var descs []capture.DeviceDescriptor
	for ctx.Err() == nil {
		h, body, err := p.next()
		if err == io.EOF || (err == nil && h.Kind == kindFrame) {
			break
		}
		if err != nil {
			return nil, err
		}
		d, err := decodeDescriptor(body)
		if err != nil {
			return nil, fmt.Errorf("decode descriptor: %w", err)
		}
		descs = append(descs, d)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Index < descs[j].Index })
	return descs, nil
}

// StartCapture streams the recorded frames of dev.
func (r *Replay) StartCapture(ctx context.Context, dev capture.Device) (<-chan *capture.Frame, error) {
	p, err := openPackets(r.Path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running == nil {
		r.running = make(map[int]*replayStream)
	}
	if _, ok := r.running[dev.Index]; ok {
		p.Close()
		return nil, fmt.Errorf("device %d already started", dev.Index)
	}
	if r.started.IsZero() {
		r.started = time.Now()
	}
	ctx, cancel := context.WithCancel(ctx)
	st := &replayStream{cancel: cancel, done: make(chan struct{})}
	r.running[dev.Index] = st

	out := make(chan *capture.Frame, 4)
	go r.stream(ctx, p, dev.Index, r.started, out, st.done)
	return out, nil
}

// StopCapture stops playback for dev.
func (r *Replay) StopCapture(dev capture.Device) error {
	r.mu.Lock()
	st, ok := r.running[dev.Index]
	delete(r.running, dev.Index)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %d not started", dev.Index)
	}
	st.cancel()
	<-st.done
	return nil
}

func (r *Replay) stream(ctx context.Context, p *packetReader, device int, wallStart time.Time, out chan<- *capture.Frame, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	defer p.Close()

	var base time.Time
	count := 0
	for {
		h, body, err := p.next()
		if err != nil {
			if err != io.EOF {
				monitoring.Logf("[recording] replay device %d: %v", device, err)
			}
			monitoring.Debugf("[recording] replay device %d finished after %d frames", device, count)
			return
		}
		if h.Kind != kindFrame {
			continue
		}
		f, err := decodeFrame(int(h.Device), h.Sequence, body)
		if err != nil {
			monitoring.Logf("[recording] replay device %d: %v", device, err)
			continue
		}
		// every stream paces against the first frame of any device
		if base.IsZero() {
			base = f.SystemTimestamp
		}
		if int(h.Device) != device {
			continue
		}

		if r.SpeedMultiplier > 0 {
			due := wallStart.Add(time.Duration(float64(f.SystemTimestamp.Sub(base)) / r.SpeedMultiplier))
			if wait := time.Until(due); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case out <- f:
			count++
		}
	}
}
