package recording

import (
	"context"
	"time"
)

// DeviceEvents are the callbacks a running device reports through. OnStop
// fires once after Stop, when every chunk has been delivered.
type DeviceEvents struct {
	OnData  func(chunk []byte)
	OnError func(err error)
	OnStop  func()
}

// Device is one acquired capture handle. It is owned by exactly one recorder.
type Device interface {
	Start(timeslice time.Duration, ev DeviceEvents) error
	Pause() error
	Resume() error
	// Flush delivers any buffered partial chunk through OnData before returning.
	Flush() error
	Stop() error
	Release() error
	TrackCounts() (audio, video int)
}

// DeviceProvider acquires devices. Acquire should wrap errs.ErrPermissionDenied
// or errs.ErrDeviceNotFound when that is the cause.
type DeviceProvider interface {
	Acquire(ctx context.Context, cfg Config) (Device, error)
	SupportsEncoding(encoding string) bool
}
