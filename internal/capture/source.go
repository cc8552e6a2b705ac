package capture

import "context"

// Source is a depth-camera driver.
//
// StartCapture returns a channel of frames for one device. The channel is
// closed when the device disconnects or StopCapture is called; the pipeline
// treats a closed channel as permanently missing. Frames received from the
// channel are owned by the receiver.
type Source interface {
	Enumerate(ctx context.Context) ([]DeviceDescriptor, error)
	StartCapture(ctx context.Context, dev Device) (<-chan *Frame, error)
	StopCapture(dev Device) error
}
