package recording

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Studio/internal/core"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	QualityCustom Quality = "custom"
)

// Bitrates returns the audio and video bits per second of q. Custom and
// unknown qualities fall back to medium.
func (q Quality) Bitrates() (audio, video int) {
	switch q {
	case QualityLow:
		return 64_000, 1_000_000
	case QualityHigh:
		return 256_000, 5_000_000
	default:
		return DefaultAudioBitsPerSecond, DefaultVideoBitsPerSecond
	}
}

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

type TrackStatus string

const (
	TrackIdle      TrackStatus = "idle"
	TrackRecording TrackStatus = "recording"
	TrackPaused    TrackStatus = "paused"
	TrackStopped   TrackStatus = "stopped"
	TrackError     TrackStatus = "error"
)

type SessionStatus string

const (
	SessionIdle      SessionStatus = "idle"
	SessionRecording SessionStatus = "recording"
	SessionPaused    SessionStatus = "paused"
	SessionStopped   SessionStatus = "stopped"
)

type CoordinatorConfig struct {
	Quality            Quality       `mapstructure:"quality"`
	AudioBitsPerSecond int           `mapstructure:"audio_bps"`
	VideoBitsPerSecond int           `mapstructure:"video_bps"`
	Timeslice          time.Duration `mapstructure:"timeslice"`
	AudioEncoding      string        `mapstructure:"audio_encoding"`
	VideoEncoding      string        `mapstructure:"video_encoding"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.Quality == "" {
		c.Quality = QualityMedium
	}
	audio, video := c.Quality.Bitrates()
	if c.AudioBitsPerSecond <= 0 {
		c.AudioBitsPerSecond = audio
	}
	if c.VideoBitsPerSecond <= 0 {
		c.VideoBitsPerSecond = video
	}
	if c.Timeslice <= 0 {
		c.Timeslice = DefaultTimeslice
	}
	if c.AudioEncoding == "" {
		c.AudioEncoding = EncodingOpus
	}
	if c.VideoEncoding == "" {
		c.VideoEncoding = EncodingVP8
	}
	return c
}

// recorderConfig is the single-track configuration for kind.
func (c CoordinatorConfig) recorderConfig(kind Kind) Config {
	cfg := Config{
		AudioBitsPerSecond: c.AudioBitsPerSecond,
		VideoBitsPerSecond: c.VideoBitsPerSecond,
		Timeslice:          c.Timeslice,
		StopTimeout:        c.StopTimeout,
	}
	if kind == KindVideo {
		cfg.Video = true
		cfg.Encoding = c.VideoEncoding
	} else {
		cfg.Audio = true
		cfg.Encoding = c.AudioEncoding
	}
	return cfg
}

type TrackEventType string

const (
	EventSessionStarted     TrackEventType = "session-started"
	EventSessionStopped     TrackEventType = "session-stopped"
	EventTrackStarted       TrackEventType = "track-started"
	EventTrackStopped       TrackEventType = "track-stopped"
	EventTrackData          TrackEventType = "track-data-available"
	EventTrackError         TrackEventType = "track-error"
	EventParticipantAdded   TrackEventType = "participant-added"
	EventParticipantRemoved TrackEventType = "participant-removed"
)

type TrackEvent struct {
	Type          TrackEventType
	SessionID     string
	ParticipantID string
	TrackID       string
	Size          int
	Err           error
	At            time.Time
}

// TrackInfo is a snapshot of one participant track.
type TrackInfo struct {
	ParticipantID   string        `json:"participantId"`
	ParticipantName string        `json:"participantName,omitempty"`
	TrackID         string        `json:"trackId"`
	Kind            Kind          `json:"type"`
	Status          TrackStatus   `json:"status"`
	Size            int64         `json:"size"`
	Duration        time.Duration `json:"duration"`
	Err             error         `json:"-"`
}

type SessionInfo struct {
	ID        string        `json:"sessionId"`
	Status    SessionStatus `json:"status"`
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime,omitempty"`
	Tracks    int           `json:"tracks"`
}

type participantTrack struct {
	participantID string
	name          string
	trackID       string
	kind          Kind
	provider      DeviceProvider

	status   TrackStatus
	err      error
	recorder *Recorder
	artifact *Artifact
}

type multiSession struct {
	id        string
	order     []string
	tracks    map[string][]*participantTrack
	status    SessionStatus
	startTime time.Time
	endTime   time.Time
}

func (s *multiSession) all() []*participantTrack {
	var out []*participantTrack
	for _, pid := range s.order {
		out = append(out, s.tracks[pid]...)
	}
	return out
}

// Coordinator records every participant track of a session with its own
// Recorder, starting and stopping them together.
type Coordinator struct {
	cfg    CoordinatorConfig
	now    func() time.Time
	logger zerolog.Logger
	events *core.Notifier[TrackEvent]

	mu       sync.Mutex
	session  *multiSession
	disposed bool
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: log.With().Str("module", "multitrack").Logger(),
		events: core.NewNotifier[TrackEvent]("multitrack"),
	}
}

func (c *Coordinator) Config() CoordinatorConfig { return c.cfg }

func (c *Coordinator) Subscribe(fn func(TrackEvent)) func() { return c.events.Subscribe(fn) }

func (c *Coordinator) emit(e TrackEvent) {
	e.At = c.now()
	c.events.Emit(e)
}

func (c *Coordinator) sessionLocked() (*multiSession, error) {
	if c.disposed {
		return nil, fmt.Errorf("coordinator disposed: %w", errs.ErrInvalidState)
	}
	if c.session == nil {
		return nil, fmt.Errorf("no recording session: %w", errs.ErrInvalidState)
	}
	return c.session, nil
}

// StartSession opens session id. A stopped session is replaced.
func (c *Coordinator) StartSession(id string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return fmt.Errorf("coordinator disposed: %w", errs.ErrInvalidState)
	}
	if c.session != nil && c.session.status != SessionStopped {
		active := c.session.id
		c.mu.Unlock()
		return fmt.Errorf("session %s active: %w", active, errs.ErrAlreadyRecording)
	}
	c.session = &multiSession{
		id:        id,
		tracks:    make(map[string][]*participantTrack),
		status:    SessionIdle,
		startTime: c.now(),
	}
	c.mu.Unlock()

	c.logger.Info().Str("session", id).Msg("recording session opened")
	c.emit(TrackEvent{Type: EventSessionStarted, SessionID: id})
	return nil
}

// AddTrack registers an idle track. Tracks added while recording are not
// started until the next StartRecording.
func (c *Coordinator) AddTrack(participantID, name string, kind Kind, provider DeviceProvider) (string, error) {
	c.mu.Lock()
	s, err := c.sessionLocked()
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	existing, known := s.tracks[participantID]
	for _, t := range existing {
		if t.status == TrackRecording || t.status == TrackPaused {
			c.mu.Unlock()
			return "", fmt.Errorf("participant %s: %w", participantID, errs.ErrAlreadyRecording)
		}
	}
	t := &participantTrack{
		participantID: participantID,
		name:          name,
		trackID:       uuid.NewString(),
		kind:          kind,
		provider:      provider,
		status:        TrackIdle,
	}
	if !known {
		s.order = append(s.order, participantID)
	}
	s.tracks[participantID] = append(existing, t)
	sid := s.id
	c.mu.Unlock()

	c.logger.Info().Str("session", sid).Str("participant", participantID).Str("kind", string(kind)).Msg("track added")
	if !known {
		c.emit(TrackEvent{Type: EventParticipantAdded, SessionID: sid, ParticipantID: participantID})
	}
	return t.trackID, nil
}

// StartRecording starts every registered track concurrently. A failing track
// is marked error without affecting the rest; only when all fail is an error
// returned.
func (c *Coordinator) StartRecording(ctx context.Context) error {
	c.mu.Lock()
	s, err := c.sessionLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if s.status == SessionRecording || s.status == SessionPaused {
		c.mu.Unlock()
		return fmt.Errorf("session %s: %w", s.id, errs.ErrAlreadyRecording)
	}
	tracks := s.all()
	if len(tracks) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("no tracks to record: %w", errs.ErrInvalidState)
	}
	sid := s.id
	for _, t := range tracks {
		t.recorder = NewRecorder(c.cfg.recorderConfig(t.kind), t.provider, WithClock(c.now))
		t.err = nil
		t.artifact = nil
	}
	c.mu.Unlock()

	var wg conc.WaitGroup
	for _, t := range tracks {
		wg.Go(func() { c.startTrack(ctx, sid, t) })
	}
	wg.Wait()

	c.mu.Lock()
	var failed []error
	for _, t := range tracks {
		if t.status == TrackError {
			failed = append(failed, t.err)
		}
	}
	if len(failed) == len(tracks) {
		c.mu.Unlock()
		return fmt.Errorf("no track started: %w", errors.Join(failed...))
	}
	s.status = SessionRecording
	s.startTime = c.now()
	c.mu.Unlock()

	c.logger.Info().Str("session", sid).Int("tracks", len(tracks)).Int("failed", len(failed)).Msg("recording started")
	return nil
}

func (c *Coordinator) startTrack(ctx context.Context, sid string, t *participantTrack) {
	rec := t.recorder
	rec.Subscribe(func(e Event) {
		switch e.Type {
		case EventDataAvailable:
			c.emit(TrackEvent{Type: EventTrackData, SessionID: sid, ParticipantID: t.participantID, TrackID: t.trackID, Size: len(e.Chunk)})
		case EventError:
			c.mu.Lock()
			t.status = TrackError
			t.err = e.Err
			c.mu.Unlock()
			c.emit(TrackEvent{Type: EventTrackError, SessionID: sid, ParticipantID: t.participantID, TrackID: t.trackID, Err: e.Err})
		}
	})

	if err := rec.Start(ctx); err != nil {
		c.mu.Lock()
		t.status = TrackError
		t.err = err
		c.mu.Unlock()
		c.logger.Error().Err(err).Str("participant", t.participantID).Str("kind", string(t.kind)).Msg("track start failed")
		return
	}
	c.mu.Lock()
	failed := t.status == TrackError
	if !failed {
		t.status = TrackRecording
	}
	c.mu.Unlock()
	if failed {
		return
	}
	c.emit(TrackEvent{Type: EventTrackStarted, SessionID: sid, ParticipantID: t.participantID, TrackID: t.trackID})
}

// PauseRecording pauses tracks that are recording; others are skipped.
func (c *Coordinator) PauseRecording() error {
	return c.toggle(SessionRecording, SessionPaused, TrackRecording, TrackPaused, (*Recorder).Pause)
}

// ResumeRecording resumes tracks that are paused; others are skipped.
func (c *Coordinator) ResumeRecording() error {
	return c.toggle(SessionPaused, SessionRecording, TrackPaused, TrackRecording, (*Recorder).Resume)
}

func (c *Coordinator) toggle(from, to SessionStatus, tfrom, tto TrackStatus, op func(*Recorder) error) error {
	c.mu.Lock()
	s, err := c.sessionLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if s.status != from {
		st := s.status
		c.mu.Unlock()
		if from == SessionRecording {
			return fmt.Errorf("session %s: %w", st, errs.ErrNotRecording)
		}
		return fmt.Errorf("session %s: %w", st, errs.ErrInvalidState)
	}
	var targets []*participantTrack
	for _, t := range s.all() {
		if t.status == tfrom && t.recorder != nil {
			targets = append(targets, t)
		}
	}
	s.status = to
	c.mu.Unlock()

	for _, t := range targets {
		if err := op(t.recorder); err != nil {
			c.logger.Warn().Err(err).Str("participant", t.participantID).Str("track", t.trackID).Msg("toggle skipped")
			continue
		}
		c.mu.Lock()
		t.status = tto
		c.mu.Unlock()
	}
	return nil
}

type stopResult struct {
	track    *participantTrack
	artifact *Artifact
	err      error
}

// StopRecording stops every active track concurrently and returns the
// artifacts per participant in track registration order. Tracks that fail
// are reported in the joined error; the rest are still returned.
func (c *Coordinator) StopRecording(ctx context.Context) (map[string][]*Artifact, error) {
	c.mu.Lock()
	s, err := c.sessionLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if s.status != SessionRecording && s.status != SessionPaused {
		st := s.status
		c.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", st, errs.ErrNotRecording)
	}
	var active []*participantTrack
	for _, t := range s.all() {
		if t.status == TrackRecording || t.status == TrackPaused {
			active = append(active, t)
		}
	}
	sid := s.id
	c.mu.Unlock()

	p := pool.NewWithResults[stopResult]()
	for _, t := range active {
		p.Go(func() stopResult {
			a, err := t.recorder.Stop(ctx)
			return stopResult{track: t, artifact: a, err: err}
		})
	}
	results := p.Wait()

	var errList []error
	c.mu.Lock()
	for _, r := range results {
		if r.err != nil {
			r.track.status = TrackError
			r.track.err = r.err
			errList = append(errList, fmt.Errorf("participant %s %s: %w", r.track.participantID, r.track.kind, r.err))
			continue
		}
		r.track.status = TrackStopped
		r.track.artifact = r.artifact
	}
	out := make(map[string][]*Artifact, len(s.order))
	for _, pid := range s.order {
		for _, t := range s.tracks[pid] {
			if t.artifact != nil && t.status == TrackStopped {
				out[pid] = append(out[pid], t.artifact)
			}
		}
	}
	s.status = SessionStopped
	s.endTime = c.now()
	c.mu.Unlock()

	for _, r := range results {
		r.track.recorder.Dispose()
		if r.err == nil {
			c.emit(TrackEvent{Type: EventTrackStopped, SessionID: sid, ParticipantID: r.track.participantID, TrackID: r.track.trackID, Size: len(r.artifact.Data)})
		}
	}
	c.emit(TrackEvent{Type: EventSessionStopped, SessionID: sid})
	c.logger.Info().Str("session", sid).Int("participants", len(out)).Int("failed", len(errList)).Msg("recording stopped")
	return out, errors.Join(errList...)
}

// RemoveParticipant stops and discards one participant's tracks.
func (c *Coordinator) RemoveParticipant(ctx context.Context, participantID string) error {
	c.mu.Lock()
	s, err := c.sessionLocked()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	tracks, ok := s.tracks[participantID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(s.tracks, participantID)
	for i, pid := range s.order {
		if pid == participantID {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	sid := s.id
	live := make(map[*participantTrack]bool, len(tracks))
	for _, t := range tracks {
		live[t] = t.status == TrackRecording || t.status == TrackPaused
	}
	c.mu.Unlock()

	var wg conc.WaitGroup
	for _, t := range tracks {
		if t.recorder == nil {
			continue
		}
		wg.Go(func() {
			if live[t] {
				if _, err := t.recorder.Stop(ctx); err != nil {
					c.logger.Warn().Err(err).Str("participant", participantID).Msg("stop removed track")
				}
			}
			t.recorder.Dispose()
		})
	}
	wg.Wait()

	c.emit(TrackEvent{Type: EventParticipantRemoved, SessionID: sid, ParticipantID: participantID})
	return nil
}

func (c *Coordinator) Session() (SessionInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return SessionInfo{}, false
	}
	s := c.session
	return SessionInfo{ID: s.id, Status: s.status, StartTime: s.startTime, EndTime: s.endTime, Tracks: len(s.all())}, true
}

func (c *Coordinator) Participants() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return append([]string(nil), c.session.order...)
}

func (c *Coordinator) ParticipantTracks(participantID string) []TrackInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	var out []TrackInfo
	for _, t := range c.session.tracks[participantID] {
		info := TrackInfo{
			ParticipantID:   t.participantID,
			ParticipantName: t.name,
			TrackID:         t.trackID,
			Kind:            t.kind,
			Status:          t.status,
			Err:             t.err,
		}
		if t.artifact != nil {
			info.Size = t.artifact.Metadata.TotalBytes
			info.Duration = t.artifact.Metadata.Duration
		}
		out = append(out, info)
	}
	return out
}

// Dispose stops every track, drops the session and detaches listeners.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	var tracks []*participantTrack
	if c.session != nil {
		tracks = c.session.all()
	}
	c.session = nil
	c.mu.Unlock()

	for _, t := range tracks {
		if t.recorder != nil {
			t.recorder.Dispose()
		}
	}
	c.events.Clear()
}
