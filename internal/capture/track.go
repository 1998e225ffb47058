// Package capture turns incoming RTP tracks into recording devices.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Studio/internal/errs"
	"github.com/dkeye/Studio/internal/peer"
	"github.com/dkeye/Studio/internal/recording"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type mediaWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// TrackSource is a recording.DeviceProvider over one remote track.
type TrackSource struct {
	Track peer.RemoteTrack
}

func NewTrackSource(track peer.RemoteTrack) *TrackSource {
	return &TrackSource{Track: track}
}

func (s *TrackSource) Acquire(_ context.Context, _ recording.Config) (recording.Device, error) {
	if s.Track == nil {
		return nil, fmt.Errorf("no remote track: %w", errs.ErrDeviceNotFound)
	}
	return NewTrackDevice(s.Track), nil
}

// SupportsEncoding accepts Ogg/Opus for Opus tracks and IVF/VP8 for VP8 tracks.
func (s *TrackSource) SupportsEncoding(encoding string) bool {
	if s.Track == nil {
		return false
	}
	base, codec := recording.BaseType(encoding), strings.ToLower(recording.Codec(encoding))
	switch strings.ToLower(s.Track.Codec().MimeType) {
	case strings.ToLower(webrtc.MimeTypeOpus):
		return base == "audio/ogg" && (codec == "" || codec == "opus")
	case strings.ToLower(webrtc.MimeTypeVP8):
		return base == "video/x-ivf" && (codec == "" || codec == "vp8")
	}
	return false
}

// TrackDevice writes RTP from a track into a container and hands the bytes
// out every timeslice.
type TrackDevice struct {
	track  peer.RemoteTrack
	logger zerolog.Logger

	mu       sync.Mutex
	buf      bytes.Buffer
	writer   mediaWriter
	ev       recording.DeviceEvents
	started  bool
	paused   bool
	stopped  bool
	released bool
	halt     chan struct{}
}

func NewTrackDevice(track peer.RemoteTrack) *TrackDevice {
	return &TrackDevice{
		track:  track,
		logger: log.With().Str("module", "capture").Str("track_id", track.ID()).Logger(),
	}
}

func (d *TrackDevice) TrackCounts() (audio, video int) {
	if d.track.Kind() == webrtc.RTPCodecTypeVideo {
		return 0, 1
	}
	return 1, 0
}

// Caller holds d.mu.
func (d *TrackDevice) newWriterLocked() (mediaWriter, error) {
	codec := d.track.Codec()
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(webrtc.MimeTypeOpus):
		rate := codec.ClockRate
		if rate == 0 {
			rate = 48000
		}
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		return oggwriter.NewWith(&d.buf, rate, channels)
	case strings.ToLower(webrtc.MimeTypeVP8):
		return ivfwriter.NewWith(&d.buf)
	}
	return nil, fmt.Errorf("codec %s: %w", codec.MimeType, errs.ErrEncodingNotSupported)
}

func (d *TrackDevice) Start(timeslice time.Duration, ev recording.DeviceEvents) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.released {
		return fmt.Errorf("track device reused: %w", errs.ErrInvalidState)
	}
	w, err := d.newWriterLocked()
	if err != nil {
		return err
	}
	d.writer = w
	d.ev = ev
	d.started = true
	d.halt = make(chan struct{})

	go d.readLoop()
	go d.tick(timeslice, d.halt)
	d.logger.Info().Str("codec", d.track.Codec().MimeType).Dur("timeslice", timeslice).Msg("capture started")
	return nil
}

func (d *TrackDevice) readLoop() {
	for {
		pkt, _, err := d.track.ReadRTP()
		if err != nil {
			d.mu.Lock()
			done := d.stopped
			onErr := d.ev.OnError
			d.mu.Unlock()
			if done {
				return
			}
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("track ended: %w", err)
			}
			if onErr != nil {
				onErr(err)
			}
			return
		}

		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		if !d.paused {
			if werr := d.writer.WriteRTP(pkt); werr != nil {
				d.logger.Debug().Err(werr).Uint16("seq", pkt.SequenceNumber).Msg("packet dropped")
			}
		}
		d.mu.Unlock()
	}
}

func (d *TrackDevice) tick(every time.Duration, halt <-chan struct{}) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-halt:
			return
		case <-t.C:
			d.deliver()
		}
	}
}

// deliver hands out the bytes written since the last call.
func (d *TrackDevice) deliver() {
	d.mu.Lock()
	if d.buf.Len() == 0 || d.ev.OnData == nil {
		d.mu.Unlock()
		return
	}
	chunk := bytes.Clone(d.buf.Bytes())
	d.buf.Reset()
	onData := d.ev.OnData
	d.mu.Unlock()
	onData(chunk)
}

func (d *TrackDevice) Pause() error {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
	return nil
}

func (d *TrackDevice) Resume() error {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
	return nil
}

func (d *TrackDevice) Flush() error {
	d.deliver()
	return nil
}

// Stop closes the container and reports OnStop. The read loop exits on its
// next packet or when the track ends.
func (d *TrackDevice) Stop() error {
	d.mu.Lock()
	if d.stopped || !d.started {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.halt)
	if d.writer != nil {
		if err := d.writer.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("close container")
		}
	}
	// bytes written after the recorder's Flush are not part of the artifact
	d.buf.Reset()
	onStop := d.ev.OnStop
	d.mu.Unlock()

	if onStop != nil {
		onStop()
	}
	return nil
}

func (d *TrackDevice) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released {
		return nil
	}
	d.released = true
	if d.started && !d.stopped {
		d.stopped = true
		close(d.halt)
	}
	d.buf.Reset()
	d.logger.Debug().Msg("capture released")
	return nil
}
