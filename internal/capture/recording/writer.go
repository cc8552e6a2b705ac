package recording

import (
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/depthfuse/internal/capture"
)

const snaplen = 65536

// Writer records descriptors and frames into a pcap stream. It is safe for
// concurrent use by per-device goroutines.
type Writer struct {
	mu     sync.Mutex
	pw     *pcapgo.Writer
	closer io.Closer
	buf    gopacket.SerializeBuffer

	// Packets counts datagrams written.
	Packets int
}

// NewWriter writes the pcap file header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriterNanos(w)
	if err := pw.WriteFileHeader(snaplen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	return &Writer{pw: pw, buf: gopacket.NewSerializeBuffer()}, nil
}

// Create creates a recording file at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording %s: %w", path, err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// Close closes the underlying file when the Writer owns one.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	return err
}

// WriteDescriptors records the session's device descriptors. Replay reads
// them back for Enumerate, so they must precede any frame.
func (w *Writer) WriteDescriptors(descs []capture.DeviceDescriptor) error {
	now := time.Now()
	for _, d := range descs {
		body, err := encodeDescriptor(d)
		if err != nil {
			return fmt.Errorf("encode descriptor %d: %w", d.Index, err)
		}
		if err := w.writeMessage(kindDescriptor, d.Index, 0, body, now); err != nil {
			return err
		}
	}
	return nil
}

// WriteFrame records one frame, timestamped with its host arrival time.
func (w *Writer) WriteFrame(f *capture.Frame) error {
	body, err := encodeFrame(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return w.writeMessage(kindFrame, f.DeviceIndex, f.Sequence, body, f.SystemTimestamp)
}

func (w *Writer) writeMessage(k kind, device int, seq uint64, body []byte, ts time.Time) error {
	chunks, err := encodeChunks(k, device, seq, body)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, chunk := range chunks {
		data, err := w.datagram(device, chunk)
		if err != nil {
			return err
		}
		ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
		if err := w.pw.WritePacket(ci, data); err != nil {
			return fmt.Errorf("failed to write packet: %w", err)
		}
		w.Packets++
	}
	return nil
}

// datagram wraps payload in Ethernet/IPv4/UDP with one source address per
// device. The returned slice is only valid until the next call.
func (w *Writer) datagram(device int, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, byte(device + 1)},
		DstMAC:       net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0xff},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(10, 0, 0, byte(device+1)),
		DstIP:    net.IPv4(10, 0, 0, 254),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(Port + 1 + device),
		DstPort: layers.UDPPort(Port),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(w.buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize datagram: %w", err)
	}
	return w.buf.Bytes(), nil
}
