package recording

import (
	"context"
	"errors"
	"sync"
	"time"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stopMode int

const (
	stopSync stopMode = iota
	stopNever
	stopFails
)

type fakeDevice struct {
	mu       sync.Mutex
	ev       DeviceEvents
	mode     stopMode
	pending  []byte
	startErr error
	// failErr is reported through OnError while Start is still running.
	failErr error
	audio    int
	video    int

	starts   int
	stops    int
	released int
	paused   bool
}

func (d *fakeDevice) Start(_ time.Duration, ev DeviceEvents) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.startErr != nil {
		return d.startErr
	}
	d.ev = ev
	d.starts++
	if d.failErr != nil {
		err := d.failErr
		d.mu.Unlock()
		ev.OnError(err)
		d.mu.Lock()
	}
	return nil
}

func (d *fakeDevice) Pause() error {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Resume() error {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) Flush() error {
	d.mu.Lock()
	chunk := d.pending
	d.pending = nil
	onData := d.ev.OnData
	d.mu.Unlock()
	if chunk != nil && onData != nil {
		onData(chunk)
	}
	return nil
}

func (d *fakeDevice) Stop() error {
	d.mu.Lock()
	d.stops++
	mode := d.mode
	onStop := d.ev.OnStop
	d.mu.Unlock()
	switch mode {
	case stopSync:
		if onStop != nil {
			onStop()
		}
	case stopFails:
		return errDeviceStuck
	}
	return nil
}

func (d *fakeDevice) Release() error {
	d.mu.Lock()
	d.released++
	d.mu.Unlock()
	return nil
}

func (d *fakeDevice) TrackCounts() (int, int) { return d.audio, d.video }

// emit pushes a chunk as the device would on a timeslice boundary.
func (d *fakeDevice) emit(chunk string) {
	d.mu.Lock()
	onData := d.ev.OnData
	d.mu.Unlock()
	onData([]byte(chunk))
}

func (d *fakeDevice) fail(err error) {
	d.mu.Lock()
	onErr := d.ev.OnError
	d.mu.Unlock()
	onErr(err)
}

func (d *fakeDevice) counts() (starts, stops, released int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.stops, d.released
}

var errDeviceStuck = errors.New("device stuck")

type fakeProvider struct {
	mu          sync.Mutex
	dev         *fakeDevice
	err         error
	unsupported bool
	acquired    int
}

func (p *fakeProvider) Acquire(context.Context, Config) (Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.acquired++
	return p.dev, nil
}

func (p *fakeProvider) SupportsEncoding(string) bool { return !p.unsupported }
