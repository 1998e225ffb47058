// Package recording captures local media into chunked artifacts, for one
// device (Recorder) or many participant tracks at once (Coordinator).
package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Studio/internal/core"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Status string

const (
	StatusIdle                 Status = "idle"
	StatusRequestingPermission Status = "requesting-permission"
	StatusRecording            Status = "recording"
	StatusPaused               Status = "paused"
	StatusStopping             Status = "stopping"
	StatusStopped              Status = "stopped"
	StatusError                Status = "error"
)

type EventType string

const (
	EventPermissionRequested EventType = "permission-requested"
	EventPermissionGranted   EventType = "permission-granted"
	EventPermissionDenied    EventType = "permission-denied"
	EventInitialized         EventType = "initialized"
	EventStarted             EventType = "started"
	EventPaused              EventType = "paused"
	EventResumed             EventType = "resumed"
	EventStopped             EventType = "stopped"
	EventDataAvailable       EventType = "data-available"
	EventError               EventType = "error"
	EventStateChanged        EventType = "state-changed"
)

type Event struct {
	Type       EventType
	At         time.Time
	State      State
	Chunk      []byte
	TotalBytes int64
	Artifact   *Artifact
	Err        error
}

type State struct {
	Status     Status        `json:"status"`
	Duration   time.Duration `json:"duration"`
	TotalBytes int64         `json:"dataSize"`
	Err        error         `json:"-"`
}

type Metadata struct {
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    time.Duration `json:"duration"`
	Encoding    string        `json:"mimeType"`
	Codec       string        `json:"codec,omitempty"`
	AudioTracks int           `json:"audioTracks"`
	VideoTracks int           `json:"videoTracks"`
	TotalBytes  int64         `json:"dataSize"`
}

// Artifact is the assembled output of one recording.
type Artifact struct {
	Data     []byte
	Metadata Metadata
}

// stopWait is the single-fire result of one Stop call.
type stopWait struct {
	done     chan struct{}
	artifact *Artifact
	err      error
}

type Option func(*Recorder)

// WithClock replaces time.Now for duration accounting.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder is the state machine around one capture device.
type Recorder struct {
	cfg      Config
	provider DeviceProvider
	now      func() time.Time
	logger   zerolog.Logger
	events   *core.Notifier[Event]

	mu          sync.Mutex
	status      Status
	lastErr     error
	device      Device
	audio       int
	video       int
	chunks      [][]byte
	totalBytes  int64
	startedAt   time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	stoppedAt   time.Time
	frozen      time.Duration
	wait        *stopWait
	finalized   bool
	artifact    *Artifact
	disposed    bool
}

func NewRecorder(cfg Config, provider DeviceProvider, opts ...Option) *Recorder {
	r := &Recorder{
		cfg:      cfg.withDefaults(),
		provider: provider,
		now:      time.Now,
		logger:   log.With().Str("module", "recording").Logger(),
		events:   core.NewNotifier[Event]("recording"),
		status:   StatusIdle,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recorder) Config() Config { return r.cfg }

// Subscribe registers fn. Events are delivered after the recorder's lock is
// released, so listeners may query the recorder.
func (r *Recorder) Subscribe(fn func(Event)) func() { return r.events.Subscribe(fn) }

func (r *Recorder) emit(evs ...Event) {
	for _, e := range evs {
		r.events.Emit(e)
	}
}

// Caller holds r.mu.
func (r *Recorder) event(t EventType) Event {
	return Event{Type: t, At: r.now(), State: r.stateLocked(), TotalBytes: r.totalBytes}
}

// transitionLocked returns the state-changed event to emit after unlock.
func (r *Recorder) transitionLocked(s Status) Event {
	r.status = s
	return r.event(EventStateChanged)
}

func (r *Recorder) usableLocked() error {
	if r.disposed {
		return fmt.Errorf("recorder disposed: %w", errs.ErrInvalidState)
	}
	return nil
}

// failLocked moves to error and wraps cause under kind.
func (r *Recorder) failLocked(kind error, msg string, cause error) ([]Event, error) {
	var err error
	if cause != nil && !errors.Is(cause, kind) {
		err = fmt.Errorf("%s: %w: %w", msg, kind, cause)
	} else if cause != nil {
		err = fmt.Errorf("%s: %w", msg, cause)
	} else {
		err = fmt.Errorf("%s: %w", msg, kind)
	}
	r.lastErr = err
	changed := r.transitionLocked(StatusError)
	e := r.event(EventError)
	e.Err = err
	return []Event{changed, e}, err
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

func (r *Recorder) stateLocked() State {
	return State{Status: r.status, Duration: r.durationLocked(), TotalBytes: r.totalBytes, Err: r.lastErr}
}

// Duration is active recording time: wall time since start minus pauses,
// frozen once Stop is called.
func (r *Recorder) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.durationLocked()
}

func (r *Recorder) durationLocked() time.Duration {
	switch r.status {
	case StatusRecording:
		return r.now().Sub(r.startedAt) - r.pausedTotal
	case StatusPaused:
		return r.pausedAt.Sub(r.startedAt) - r.pausedTotal
	case StatusStopping, StatusStopped:
		return r.frozen
	case StatusError:
		if !r.stoppedAt.IsZero() {
			return r.frozen
		}
	}
	return 0
}

func (r *Recorder) Metadata() Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metadataLocked()
}

func (r *Recorder) metadataLocked() Metadata {
	end := r.stoppedAt
	if end.IsZero() {
		end = r.now()
	}
	return Metadata{
		StartTime:   r.startedAt,
		EndTime:     end,
		Duration:    r.durationLocked(),
		Encoding:    r.cfg.Encoding,
		Codec:       Codec(r.cfg.Encoding),
		AudioTracks: r.audio,
		VideoTracks: r.video,
		TotalBytes:  r.totalBytes,
	}
}

// Initialize acquires the device. It is a no-op once a device is held.
func (r *Recorder) Initialize(ctx context.Context) error {
	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.status != StatusIdle {
		st := r.status
		r.mu.Unlock()
		return fmt.Errorf("initialize in %s: %w", st, errs.ErrInvalidState)
	}
	if r.device != nil {
		r.mu.Unlock()
		return nil
	}
	changed := r.transitionLocked(StatusRequestingPermission)
	requested := r.event(EventPermissionRequested)
	r.mu.Unlock()
	r.emit(changed, requested)

	dev, acqErr := r.provider.Acquire(ctx, r.cfg)

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		if dev != nil {
			_ = dev.Release()
		}
		return fmt.Errorf("recorder disposed: %w", errs.ErrInvalidState)
	}
	if acqErr != nil {
		kind := errs.ErrInitializationFailed
		switch {
		case errors.Is(acqErr, errs.ErrPermissionDenied):
			kind = errs.ErrPermissionDenied
		case errors.Is(acqErr, errs.ErrDeviceNotFound):
			kind = errs.ErrDeviceNotFound
		}
		var evs []Event
		if kind == errs.ErrPermissionDenied {
			evs = append(evs, r.event(EventPermissionDenied))
		}
		failEvs, err := r.failLocked(kind, "acquire device", acqErr)
		r.mu.Unlock()
		r.emit(append(evs, failEvs...)...)
		r.logger.Error().Err(err).Msg("device acquisition failed")
		return err
	}
	r.device = dev
	audio, video := dev.TrackCounts()
	r.audio, r.video = audio, video
	granted := r.event(EventPermissionGranted)
	initialized := r.event(EventInitialized)
	changed = r.transitionLocked(StatusIdle)
	r.mu.Unlock()

	r.emit(granted, initialized, changed)
	r.logger.Info().Int("audio_tracks", audio).Int("video_tracks", video).Msg("device ready")
	return nil
}

// Start begins capture, initializing the device first if needed.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.status != StatusIdle {
		st := r.status
		r.mu.Unlock()
		if st == StatusRecording || st == StatusPaused {
			return fmt.Errorf("start: %w", errs.ErrAlreadyRecording)
		}
		return fmt.Errorf("start in %s: %w", st, errs.ErrInvalidState)
	}
	needInit := r.device == nil
	r.mu.Unlock()

	if needInit {
		if err := r.Initialize(ctx); err != nil {
			return err
		}
	}

	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.status != StatusIdle || r.device == nil {
		st := r.status
		r.mu.Unlock()
		return fmt.Errorf("start in %s: %w", st, errs.ErrInvalidState)
	}
	if !r.provider.SupportsEncoding(r.cfg.Encoding) {
		evs, err := r.failLocked(errs.ErrEncodingNotSupported, r.cfg.Encoding, nil)
		r.mu.Unlock()
		r.emit(evs...)
		return err
	}

	r.chunks = nil
	r.totalBytes = 0
	r.finalized = false
	r.artifact = nil
	r.wait = nil
	r.startedAt = r.now()
	r.pausedAt = time.Time{}
	r.pausedTotal = 0
	r.stoppedAt = time.Time{}
	r.frozen = 0
	dev := r.device
	// Recording before the device starts so synchronous first chunks land.
	r.status = StatusRecording
	r.mu.Unlock()

	err := dev.Start(r.cfg.Timeslice, DeviceEvents{
		OnData:  r.onData,
		OnError: r.onDeviceError,
		OnStop:  r.onDeviceStop,
	})

	r.mu.Lock()
	if err != nil {
		evs, ferr := r.failLocked(errs.ErrRecordingFailed, "start device", err)
		r.mu.Unlock()
		r.emit(evs...)
		r.release()
		return ferr
	}
	if r.status != StatusRecording {
		// the device reported an error before Start returned
		st, lerr := r.status, r.lastErr
		r.mu.Unlock()
		if lerr != nil {
			return lerr
		}
		return fmt.Errorf("start ended in %s: %w", st, errs.ErrInvalidState)
	}
	changed := r.event(EventStateChanged)
	started := r.event(EventStarted)
	r.mu.Unlock()
	r.emit(changed, started)
	r.logger.Info().Str("encoding", r.cfg.Encoding).Dur("timeslice", r.cfg.Timeslice).Msg("recording started")
	return nil
}

func (r *Recorder) Pause() error {
	return r.toggle(StatusRecording, StatusPaused)
}

func (r *Recorder) Resume() error {
	return r.toggle(StatusPaused, StatusRecording)
}

// toggle moves between recording and paused. The device is called outside
// the lock, then the status is checked again.
func (r *Recorder) toggle(from, to Status) error {
	op, call := "pause", Device.Pause
	if to == StatusRecording {
		op, call = "resume", Device.Resume
	}

	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.status != from {
		st := r.status
		r.mu.Unlock()
		return fmt.Errorf("%s in %s: %w", op, st, errs.ErrInvalidState)
	}
	dev := r.device
	r.mu.Unlock()

	devErr := call(dev)

	r.mu.Lock()
	if r.disposed || r.status != from {
		st := r.status
		r.mu.Unlock()
		return fmt.Errorf("%s in %s: %w", op, st, errs.ErrInvalidState)
	}
	if devErr != nil {
		evs, err := r.failLocked(errs.ErrRecordingFailed, op+" device", devErr)
		r.mu.Unlock()
		r.emit(evs...)
		r.release()
		return err
	}
	var done EventType
	if to == StatusPaused {
		r.pausedAt = r.now()
		done = EventPaused
	} else {
		r.pausedTotal += r.now().Sub(r.pausedAt)
		r.pausedAt = time.Time{}
		done = EventResumed
	}
	changed := r.transitionLocked(to)
	e := r.event(done)
	r.mu.Unlock()
	r.emit(changed, e)
	return nil
}

// Stop finalizes the recording. The device has StopTimeout to confirm; past
// that Stop fails with ErrRecordingFailed and the device is released in the
// background. Stop after stopped returns the same artifact.
func (r *Recorder) Stop(ctx context.Context) (*Artifact, error) {
	r.mu.Lock()
	if err := r.usableLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if r.status == StatusStopped && r.artifact != nil {
		a := r.artifact
		r.mu.Unlock()
		return a, nil
	}
	if r.status != StatusRecording && r.status != StatusPaused {
		st := r.status
		r.mu.Unlock()
		if st == StatusStopping {
			return nil, fmt.Errorf("stop already in progress: %w", errs.ErrInvalidState)
		}
		return nil, fmt.Errorf("stop in %s: %w", st, errs.ErrNotRecording)
	}
	dev := r.device
	r.mu.Unlock()

	// The last partial chunk is accepted while still recording.
	if err := dev.Flush(); err != nil {
		r.logger.Warn().Err(err).Msg("flush before stop")
	}

	r.mu.Lock()
	if r.status != StatusRecording && r.status != StatusPaused {
		st := r.status
		r.mu.Unlock()
		return nil, fmt.Errorf("stop in %s: %w", st, errs.ErrInvalidState)
	}
	r.frozen = r.durationLocked()
	r.stoppedAt = r.now()
	w := &stopWait{done: make(chan struct{})}
	r.wait = w
	changed := r.transitionLocked(StatusStopping)
	r.mu.Unlock()
	r.emit(changed)

	if err := dev.Stop(); err != nil {
		r.mu.Lock()
		if r.finalized {
			r.mu.Unlock()
			<-w.done
			return w.artifact, w.err
		}
		evs, ferr := r.settleLocked(w, nil, errs.ErrRecordingFailed, "stop device", err)
		r.mu.Unlock()
		r.emit(evs...)
		r.release()
		return nil, ferr
	}

	timer := time.NewTimer(r.cfg.StopTimeout)
	defer timer.Stop()

	var cause error
	select {
	case <-w.done:
		return w.artifact, w.err
	case <-timer.C:
		cause = fmt.Errorf("device did not stop within %s", r.cfg.StopTimeout)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	r.mu.Lock()
	if r.finalized {
		// finalize won the race after the timer fired
		r.mu.Unlock()
		<-w.done
		return w.artifact, w.err
	}
	evs, ferr := r.settleLocked(w, nil, errs.ErrRecordingFailed, "stop", cause)
	r.mu.Unlock()
	r.emit(evs...)
	go r.release()
	r.logger.Error().Err(ferr).Msg("stop failed")
	return nil, ferr
}

// settleLocked resolves w exactly once, either with an artifact or with an
// error that moves the recorder to error.
func (r *Recorder) settleLocked(w *stopWait, a *Artifact, kind error, msg string, cause error) ([]Event, error) {
	if r.finalized {
		return nil, w.err
	}
	r.finalized = true
	var evs []Event
	if a != nil {
		w.artifact = a
		r.artifact = a
		changed := r.transitionLocked(StatusStopped)
		stopped := r.event(EventStopped)
		stopped.Artifact = a
		evs = append(evs, changed, stopped)
	} else {
		evs, w.err = r.failLocked(kind, msg, cause)
	}
	close(w.done)
	return evs, w.err
}

func (r *Recorder) onData(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	r.mu.Lock()
	if r.disposed || (r.status != StatusRecording && r.status != StatusPaused) {
		st := r.status
		r.mu.Unlock()
		r.logger.Warn().Str("status", string(st)).Int("size", len(chunk)).Msg("chunk rejected")
		return
	}
	r.chunks = append(r.chunks, chunk)
	r.totalBytes += int64(len(chunk))
	e := r.event(EventDataAvailable)
	e.Chunk = chunk
	r.mu.Unlock()
	r.emit(e)
}

// onDeviceStop is the finalize step.
func (r *Recorder) onDeviceStop() {
	r.mu.Lock()
	w := r.wait
	if w == nil || r.finalized || r.status != StatusStopping {
		r.mu.Unlock()
		return
	}
	a := &Artifact{Data: bytes.Join(r.chunks, nil), Metadata: r.metadataLocked()}
	evs, _ := r.settleLocked(w, a, nil, "", nil)
	r.mu.Unlock()

	r.emit(evs...)
	r.release()
	r.logger.Info().Int64("bytes", a.Metadata.TotalBytes).Dur("duration", a.Metadata.Duration).Msg("recording stopped")
}

func (r *Recorder) onDeviceError(cause error) {
	r.mu.Lock()
	if r.disposed || r.status == StatusError || r.status == StatusStopped {
		r.mu.Unlock()
		return
	}
	var (
		err error
		evs []Event
	)
	if r.status == StatusStopping && r.wait != nil {
		evs, err = r.settleLocked(r.wait, nil, errs.ErrRecordingFailed, "device", cause)
	} else {
		evs, err = r.failLocked(errs.ErrRecordingFailed, "device", cause)
	}
	r.mu.Unlock()
	r.emit(evs...)
	r.release()
	r.logger.Error().Err(err).Msg("device error")
}

// release hands the device back exactly once.
func (r *Recorder) release() {
	r.mu.Lock()
	dev := r.device
	r.device = nil
	r.mu.Unlock()
	if dev == nil {
		return
	}
	if err := dev.Release(); err != nil {
		r.logger.Warn().Err(err).Msg("release device")
	}
}

// Dispose stops and releases the device, drops buffered chunks and detaches
// every listener. Later calls fail with ErrInvalidState. Idempotent.
func (r *Recorder) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	active := r.status == StatusRecording || r.status == StatusPaused
	dev := r.device
	r.device = nil
	r.chunks = nil
	if w := r.wait; w != nil && !r.finalized {
		r.finalized = true
		w.err = fmt.Errorf("recorder disposed: %w", errs.ErrInvalidState)
		close(w.done)
	}
	r.mu.Unlock()

	if dev != nil {
		if active {
			if err := dev.Stop(); err != nil {
				r.logger.Debug().Err(err).Msg("stop on dispose")
			}
		}
		if err := dev.Release(); err != nil {
			r.logger.Warn().Err(err).Msg("release device")
		}
	}
	r.events.Clear()
}
