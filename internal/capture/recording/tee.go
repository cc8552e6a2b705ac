package recording

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/depthfuse/internal/capture"
	"github.com/banshee-data/depthfuse/internal/monitoring"
)

// Tee is a capture.Source that records everything the wrapped Source
// delivers.
type Tee struct {
	Source capture.Source
	Writer *Writer

	mu   sync.Mutex
	done map[int]chan struct{}
}

// NewTee records source into w.
func NewTee(source capture.Source, w *Writer) *Tee {
	return &Tee{Source: source, Writer: w}
}

// Enumerate enumerates the wrapped Source and records the descriptors.
func (t *Tee) Enumerate(ctx context.Context) ([]capture.DeviceDescriptor, error) {
	descs, err := t.Source.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.Writer.WriteDescriptors(descs); err != nil {
		return nil, fmt.Errorf("record descriptors: %w", err)
	}
	return descs, nil
}

// StartCapture starts the wrapped device and records each frame before
// passing it on.
func (t *Tee) StartCapture(ctx context.Context, dev capture.Device) (<-chan *capture.Frame, error) {
	in, err := t.Source.StartCapture(ctx, dev)
	if err != nil {
		return nil, err
	}
	out := make(chan *capture.Frame, cap(in))
	done := make(chan struct{})

	t.mu.Lock()
	if t.done == nil {
		t.done = make(map[int]chan struct{})
	}
	t.done[dev.Index] = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		defer close(out)
		failed := false
		for f := range in {
			if err := t.Writer.WriteFrame(f); err != nil && !failed {
				// log once, keep streaming
				monitoring.Logf("[recording] device %d: %v", dev.Index, err)
				failed = true
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StopCapture stops the wrapped device and waits for its recorder.
func (t *Tee) StopCapture(dev capture.Device) error {
	err := t.Source.StopCapture(dev)

	t.mu.Lock()
	done := t.done[dev.Index]
	delete(t.done, dev.Index)
	t.mu.Unlock()
	if done != nil {
		<-done
	}
	return err
}
