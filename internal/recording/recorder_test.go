package recording

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Studio/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T, dev *fakeDevice) (*Recorder, *fakeProvider, *clock) {
	t.Helper()
	clk := newClock()
	p := &fakeProvider{dev: dev}
	r := NewRecorder(Config{Audio: true, StopTimeout: 100 * time.Millisecond}, p, WithClock(clk.Now))
	t.Cleanup(r.Dispose)
	return r, p, clk
}

func TestDurationExcludesPauses(t *testing.T) {
	dev := &fakeDevice{audio: 1}
	r, _, clk := newTestRecorder(t, dev)
	ctx := context.Background()

	require.NoError(t, r.Start(ctx))
	clk.Advance(10 * time.Second)
	require.NoError(t, r.Pause())
	clk.Advance(3 * time.Second)
	assert.Equal(t, 10*time.Second, r.Duration())
	require.NoError(t, r.Resume())
	clk.Advance(5 * time.Second)
	require.NoError(t, r.Pause())
	clk.Advance(2 * time.Second)
	require.NoError(t, r.Resume())
	clk.Advance(time.Second)

	art, err := r.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16*time.Second, art.Metadata.Duration)

	clk.Advance(time.Minute)
	assert.Equal(t, 16*time.Second, r.Duration(), "duration is frozen at stop")
}

func TestStopAssemblesChunks(t *testing.T) {
	dev := &fakeDevice{audio: 1, video: 0, pending: []byte("tail")}
	r, p, clk := newTestRecorder(t, dev)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []EventType
	r.Subscribe(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	require.NoError(t, r.Start(ctx))
	assert.Equal(t, 1, p.acquired)
	dev.emit("head-")
	dev.emit("body-")
	assert.Equal(t, int64(10), r.State().TotalBytes)
	clk.Advance(3 * time.Second)

	art, err := r.Stop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "head-body-tail", string(art.Data))
	assert.Equal(t, int64(14), art.Metadata.TotalBytes)
	assert.Equal(t, EncodingOpus, art.Metadata.Encoding)
	assert.Equal(t, "opus", art.Metadata.Codec)
	assert.Equal(t, 1, art.Metadata.AudioTracks)
	assert.Equal(t, StatusStopped, r.State().Status)

	again, err := r.Stop(ctx)
	require.NoError(t, err)
	assert.Same(t, art, again)

	_, stops, released := dev.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, released)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, EventStarted)
	assert.Contains(t, seen, EventStopped)
	count := 0
	for _, e := range seen {
		if e == EventDataAvailable {
			count++
		}
	}
	assert.Equal(t, 3, count)
}

func TestChunkAfterStopIsRejected(t *testing.T) {
	dev := &fakeDevice{audio: 1}
	r, _, _ := newTestRecorder(t, dev)
	ctx := context.Background()

	require.NoError(t, r.Start(ctx))
	dev.emit("a")
	_, err := r.Stop(ctx)
	require.NoError(t, err)

	dev.emit("late")
	assert.Equal(t, int64(1), r.State().TotalBytes)
}

func TestStopTimeout(t *testing.T) {
	dev := &fakeDevice{audio: 1, mode: stopNever}
	r, _, _ := newTestRecorder(t, dev)
	ctx := context.Background()

	require.NoError(t, r.Start(ctx))
	start := time.Now()
	_, err := r.Stop(ctx)
	assert.ErrorIs(t, err, errs.ErrRecordingFailed)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, StatusError, r.State().Status)

	assert.Eventually(t, func() bool {
		_, _, released := dev.counts()
		return released == 1
	}, time.Second, 5*time.Millisecond)

	// a late stop confirmation must not produce an artifact
	dev.ev.OnStop()
	assert.Equal(t, StatusError, r.State().Status)

	assert.ErrorIs(t, r.Start(ctx), errs.ErrInvalidState)
}

func TestStopDeviceError(t *testing.T) {
	dev := &fakeDevice{audio: 1, mode: stopFails}
	r, _, _ := newTestRecorder(t, dev)
	ctx := context.Background()

	require.NoError(t, r.Start(ctx))
	_, err := r.Stop(ctx)
	assert.ErrorIs(t, err, errs.ErrRecordingFailed)
	assert.ErrorIs(t, err, errDeviceStuck)
	_, _, released := dev.counts()
	assert.Equal(t, 1, released)
}

func TestStopHonorsContext(t *testing.T) {
	dev := &fakeDevice{audio: 1, mode: stopNever}
	clk := newClock()
	r := NewRecorder(Config{StopTimeout: time.Minute}, &fakeProvider{dev: dev}, WithClock(clk.Now))
	defer r.Dispose()

	require.NoError(t, r.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Stop(ctx)
	assert.ErrorIs(t, err, errs.ErrRecordingFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeviceErrorMovesToError(t *testing.T) {
	dev := &fakeDevice{audio: 1}
	r, _, _ := newTestRecorder(t, dev)
	require.NoError(t, r.Start(context.Background()))

	dev.fail(fmt.Errorf("track ended"))
	st := r.State()
	assert.Equal(t, StatusError, st.Status)
	assert.ErrorIs(t, st.Err, errs.ErrRecordingFailed)
	assert.ErrorIs(t, r.Pause(), errs.ErrInvalidState)
	_, err := r.Stop(context.Background())
	assert.ErrorIs(t, err, errs.ErrNotRecording)
}

func TestDeviceErrorDuringStart(t *testing.T) {
	dev := &fakeDevice{audio: 1, failErr: fmt.Errorf("track ended")}
	r, _, _ := newTestRecorder(t, dev)
	var started int
	r.Subscribe(func(e Event) {
		if e.Type == EventStarted {
			started++
		}
	})

	err := r.Start(context.Background())
	assert.ErrorIs(t, err, errs.ErrRecordingFailed)
	assert.Equal(t, StatusError, r.State().Status)
	assert.Zero(t, started)
	_, _, released := dev.counts()
	assert.Equal(t, 1, released)
}

func TestDisposeIsTerminal(t *testing.T) {
	dev := &fakeDevice{audio: 1}
	r, _, _ := newTestRecorder(t, dev)
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))

	r.Dispose()
	r.Dispose()

	_, stops, released := dev.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, released)

	assert.ErrorIs(t, r.Start(ctx), errs.ErrInvalidState)
	assert.ErrorIs(t, r.Initialize(ctx), errs.ErrInvalidState)
	assert.ErrorIs(t, r.Pause(), errs.ErrInvalidState)
	assert.ErrorIs(t, r.Resume(), errs.ErrInvalidState)
	_, err := r.Stop(ctx)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestInvalidTransitions(t *testing.T) {
	dev := &fakeDevice{audio: 1}
	r, _, _ := newTestRecorder(t, dev)
	ctx := context.Background()

	assert.ErrorIs(t, r.Pause(), errs.ErrInvalidState)
	assert.ErrorIs(t, r.Resume(), errs.ErrInvalidState)
	_, err := r.Stop(ctx)
	assert.ErrorIs(t, err, errs.ErrNotRecording)

	require.NoError(t, r.Start(ctx))
	assert.ErrorIs(t, r.Start(ctx), errs.ErrAlreadyRecording)
	assert.ErrorIs(t, r.Resume(), errs.ErrInvalidState)
	assert.Equal(t, StatusRecording, r.State().Status)
}

func TestInitializeIsNoOpWhenReady(t *testing.T) {
	dev := &fakeDevice{audio: 1}
	r, p, _ := newTestRecorder(t, dev)
	ctx := context.Background()

	require.NoError(t, r.Initialize(ctx))
	require.NoError(t, r.Initialize(ctx))
	assert.Equal(t, 1, p.acquired)
	assert.Equal(t, StatusIdle, r.State().Status)
	require.NoError(t, r.Start(ctx))
	assert.Equal(t, 1, p.acquired)
}

func TestAcquireErrorMapping(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  error
	}{
		{"denied", fmt.Errorf("user said no: %w", errs.ErrPermissionDenied), errs.ErrPermissionDenied},
		{"missing", fmt.Errorf("no microphone: %w", errs.ErrDeviceNotFound), errs.ErrDeviceNotFound},
		{"other", fmt.Errorf("driver crashed"), errs.ErrInitializationFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRecorder(Config{}, &fakeProvider{err: tt.cause})
			defer r.Dispose()

			var denied bool
			r.Subscribe(func(e Event) {
				if e.Type == EventPermissionDenied {
					denied = true
				}
			})
			err := r.Start(context.Background())
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, StatusError, r.State().Status)
			assert.Equal(t, tt.want == errs.ErrPermissionDenied, denied)
		})
	}
}

func TestEncodingNotSupported(t *testing.T) {
	p := &fakeProvider{dev: &fakeDevice{audio: 1}, unsupported: true}
	r := NewRecorder(Config{Encoding: "audio/flac"}, p)
	defer r.Dispose()

	err := r.Start(context.Background())
	assert.ErrorIs(t, err, errs.ErrEncodingNotSupported)
	assert.Equal(t, StatusError, r.State().Status)
}

func TestCodec(t *testing.T) {
	assert.Equal(t, "opus", Codec(EncodingOpus))
	assert.Equal(t, "vp8", Codec(EncodingVP8))
	assert.Equal(t, "vp9,opus", Codec(`video/webm; codecs="vp9,opus"`))
	assert.Empty(t, Codec("audio/wav"))
	assert.Equal(t, "video/x-ivf", BaseType(EncodingVP8))
}
