package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Studio/internal/core"
	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/errs"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultStatsInterval = time.Second
	MessagingLabel       = "messaging"
)

type record struct {
	remote    domain.ConnectionID
	transport Transport

	senders      []Sender
	remoteTracks []RemoteTrack
	dataChannel  DataChannel

	state     webrtc.PeerConnectionState
	signaling webrtc.SignalingState
	remoteSet bool
	stats     *Stats
	stopStats context.CancelFunc
}

// Manager owns the peer records of one local participant. Operations on
// different remotes run in parallel; operations on one remote are serialized.
type Manager struct {
	factory       TransportFactory
	statsInterval time.Duration
	logger        zerolog.Logger

	mu          sync.Mutex
	peers       map[domain.ConnectionID]*record
	locks       map[domain.ConnectionID]*remoteLock
	pending     map[domain.ConnectionID][]webrtc.ICECandidateInit
	localTracks []webrtc.TrackLocal
	disposed    bool

	events *core.Notifier[Event]
}

type Option func(*Manager)

func WithStatsInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.statsInterval = d
		}
	}
}

func NewManager(factory TransportFactory, opts ...Option) *Manager {
	m := &Manager{
		factory:       factory,
		statsInterval: DefaultStatsInterval,
		logger:        log.With().Str("module", "peer").Logger(),
		peers:         make(map[domain.ConnectionID]*record),
		locks:         make(map[domain.ConnectionID]*remoteLock),
		pending:       make(map[domain.ConnectionID][]webrtc.ICECandidateInit),
		events:        core.NewNotifier[Event]("peer"),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Subscribe registers fn for manager events. Listeners run on the emitting
// goroutine and must not call back into the Manager synchronously.
func (m *Manager) Subscribe(fn func(Event)) func() { return m.events.Subscribe(fn) }

// remoteLock is shared by every caller waiting on one remote. refs is guarded
// by Manager.mu; the entry leaves the map when the last holder releases it.
type remoteLock struct {
	sync.Mutex
	refs int
}

// lock serializes work on one remote id.
func (m *Manager) lock(remote domain.ConnectionID) (func(), error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, fmt.Errorf("peer manager disposed: %w", errs.ErrInvalidState)
	}
	l, ok := m.locks[remote]
	if !ok {
		l = &remoteLock{}
		m.locks[remote] = l
	}
	l.refs++
	m.mu.Unlock()
	l.Lock()
	return func() {
		l.Unlock()
		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, remote)
		}
		m.mu.Unlock()
	}, nil
}

func (m *Manager) get(remote domain.ConnectionID) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[remote]
}

// current reports whether t still backs the record for remote.
func (m *Manager) current(remote domain.ConnectionID, t Transport) (*record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.peers[remote]
	if !ok || rec.transport != t {
		return nil, false
	}
	return rec, true
}

// CreateConnection allocates the transport for remote if absent.
func (m *Manager) CreateConnection(remote domain.ConnectionID) error {
	unlock, err := m.lock(remote)
	if err != nil {
		return err
	}
	defer unlock()
	_, err = m.ensure(remote)
	return err
}

// ensure runs under the remote's lock.
func (m *Manager) ensure(remote domain.ConnectionID) (*record, error) {
	if rec := m.get(remote); rec != nil {
		return rec, nil
	}
	t, err := m.factory(remote)
	if err != nil {
		return nil, fmt.Errorf("create transport for %s: %w", remote, err)
	}
	rec := &record{remote: remote, transport: t, state: webrtc.PeerConnectionStateNew, signaling: webrtc.SignalingStateStable}

	t.OnICECandidate(func(c *webrtc.ICECandidateInit) {
		if c == nil {
			return
		}
		m.events.Emit(Event{Type: EventICECandidate, RemoteID: remote, Candidate: c})
	})
	t.OnTrack(func(track RemoteTrack) { m.onTrack(remote, t, track) })
	t.OnDataChannel(func(dc DataChannel) { m.attachDataChannel(remote, t, dc) })
	t.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { m.onState(remote, t, s) })
	t.OnSignalingStateChange(func(s webrtc.SignalingState) {
		m.mu.Lock()
		if r, ok := m.peers[remote]; ok && r.transport == t {
			r.signaling = s
		}
		m.mu.Unlock()
		m.logger.Debug().Str("peer", string(remote)).Str("signaling", s.String()).Msg("signaling state")
	})

	m.mu.Lock()
	tracks := append([]webrtc.TrackLocal(nil), m.localTracks...)
	m.peers[remote] = rec
	m.mu.Unlock()

	for _, tr := range tracks {
		s, err := t.AddTrack(tr)
		if err != nil {
			m.logger.Warn().Err(err).Str("peer", string(remote)).Str("track", tr.ID()).Msg("attach local track")
			continue
		}
		m.mu.Lock()
		rec.senders = append(rec.senders, s)
		m.mu.Unlock()
	}

	m.logger.Info().Str("peer", string(remote)).Int("local_tracks", len(tracks)).Msg("peer connection created")
	m.events.Emit(Event{Type: EventPeerConnecting, RemoteID: remote, State: webrtc.PeerConnectionStateNew})
	return rec, nil
}

// CreateOffer creates the connection if needed and returns the offer set as
// local description. The offering side opens the messaging data channel.
func (m *Manager) CreateOffer(remote domain.ConnectionID) (webrtc.SessionDescription, error) {
	unlock, err := m.lock(remote)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	defer unlock()

	rec, err := m.ensure(remote)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	m.mu.Lock()
	hasDC := rec.dataChannel != nil
	m.mu.Unlock()
	if !hasDC {
		dc, err := rec.transport.CreateDataChannel(MessagingLabel, true)
		if err != nil {
			m.logger.Warn().Err(err).Str("peer", string(remote)).Msg("create data channel")
		} else {
			m.attachDataChannel(remote, rec.transport, dc)
		}
	}

	offer, err := rec.transport.CreateOffer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer for %s: %w", remote, err)
	}
	if err := rec.transport.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer for %s: %w", remote, err)
	}
	return offer, nil
}

// HandleOffer applies a remote offer, flushes buffered candidates and returns the answer.
func (m *Manager) HandleOffer(remote domain.ConnectionID, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	unlock, err := m.lock(remote)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	defer unlock()

	rec, err := m.ensure(remote)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := m.applyRemote(rec, offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := rec.transport.CreateAnswer()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer for %s: %w", remote, err)
	}
	if err := rec.transport.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer for %s: %w", remote, err)
	}
	return answer, nil
}

// HandleAnswer requires an existing connection.
func (m *Manager) HandleAnswer(remote domain.ConnectionID, answer webrtc.SessionDescription) error {
	unlock, err := m.lock(remote)
	if err != nil {
		return err
	}
	defer unlock()

	rec := m.get(remote)
	if rec == nil {
		return fmt.Errorf("answer from %s: %w", remote, errs.ErrPeerNotFound)
	}
	return m.applyRemote(rec, answer)
}

// applyRemote sets the remote description and then drains the pending queue.
// Nothing else touches the queue of this remote while its lock is held.
func (m *Manager) applyRemote(rec *record, desc webrtc.SessionDescription) error {
	if err := rec.transport.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s for %s: %w", desc.Type, rec.remote, err)
	}
	m.mu.Lock()
	rec.remoteSet = true
	queued := m.pending[rec.remote]
	delete(m.pending, rec.remote)
	m.mu.Unlock()

	for _, c := range queued {
		m.applyCandidate(rec, c)
	}
	if len(queued) > 0 {
		m.logger.Debug().Str("peer", string(rec.remote)).Int("count", len(queued)).Msg("flushed buffered candidates")
	}
	return nil
}

func (m *Manager) applyCandidate(rec *record, c webrtc.ICECandidateInit) {
	if err := rec.transport.AddICECandidate(c); err != nil {
		m.logger.Warn().Err(err).Str("peer", string(rec.remote)).Msg("ice candidate rejected")
	}
}

// AddICECandidate buffers c until the remote description is set, then applies
// it. Apply failures are logged only.
func (m *Manager) AddICECandidate(remote domain.ConnectionID, c webrtc.ICECandidateInit) error {
	unlock, err := m.lock(remote)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.Lock()
	rec := m.peers[remote]
	if rec == nil || !rec.remoteSet {
		m.pending[remote] = append(m.pending[remote], c)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.applyCandidate(rec, c)
	return nil
}

// ClosePeerConnection tears down remote. A second call is a no-op.
func (m *Manager) ClosePeerConnection(remote domain.ConnectionID) {
	unlock, err := m.lock(remote)
	if err != nil {
		return
	}
	defer unlock()

	m.mu.Lock()
	rec := m.peers[remote]
	delete(m.peers, remote)
	delete(m.pending, remote)
	m.mu.Unlock()
	if rec == nil {
		return
	}
	m.teardown(rec)
	m.logger.Info().Str("peer", string(remote)).Msg("peer connection closed")
	m.events.Emit(Event{Type: EventPeerDisconnected, RemoteID: remote, State: webrtc.PeerConnectionStateClosed})
}

// teardown releases everything rec holds. rec must already be out of the map.
func (m *Manager) teardown(rec *record) {
	m.mu.Lock()
	if rec.stopStats != nil {
		rec.stopStats()
		rec.stopStats = nil
	}
	dc := rec.dataChannel
	rec.dataChannel = nil
	senders := rec.senders
	rec.senders = nil
	hadTracks := len(rec.remoteTracks) > 0
	rec.remoteTracks = nil
	m.mu.Unlock()

	if dc != nil {
		if err := dc.Close(); err != nil {
			m.logger.Debug().Err(err).Str("peer", string(rec.remote)).Msg("close data channel")
		}
	}
	for _, s := range senders {
		if err := rec.transport.RemoveTrack(s); err != nil {
			m.logger.Debug().Err(err).Str("peer", string(rec.remote)).Msg("remove local track")
		}
	}
	if err := rec.transport.Close(); err != nil {
		m.logger.Error().Err(err).Str("peer", string(rec.remote)).Msg("close error")
	}
	if hadTracks {
		m.events.Emit(Event{Type: EventStreamRemoved, RemoteID: rec.remote})
	}
}

func (m *Manager) onTrack(remote domain.ConnectionID, t Transport, track RemoteTrack) {
	rec, ok := m.current(remote, t)
	if !ok {
		return
	}
	m.mu.Lock()
	rec.remoteTracks = append(rec.remoteTracks, track)
	m.mu.Unlock()
	m.logger.Info().Str("peer", string(remote)).Str("kind", track.Kind().String()).Str("track_id", track.ID()).Msg("remote track")
	m.events.Emit(Event{Type: EventStreamAdded, RemoteID: remote, Track: track})
}

func (m *Manager) attachDataChannel(remote domain.ConnectionID, t Transport, dc DataChannel) {
	rec, ok := m.current(remote, t)
	if !ok {
		_ = dc.Close()
		return
	}
	m.mu.Lock()
	rec.dataChannel = dc
	m.mu.Unlock()
	dc.OnOpen(func() {
		m.logger.Debug().Str("peer", string(remote)).Str("label", dc.Label()).Msg("data channel open")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m.events.Emit(Event{Type: EventDataChannelMessage, RemoteID: remote, Message: string(msg.Data)})
	})
}

func (m *Manager) onState(remote domain.ConnectionID, t Transport, s webrtc.PeerConnectionState) {
	rec, ok := m.current(remote, t)
	if !ok {
		return
	}
	m.mu.Lock()
	rec.state = s
	m.mu.Unlock()
	m.logger.Info().Str("peer", string(remote)).Str("peer_connection_state", s.String()).Msg("peer state")
	m.events.Emit(Event{Type: EventConnectionStateChanged, RemoteID: remote, State: s})

	switch s {
	case webrtc.PeerConnectionStateConnected:
		m.startStats(rec)
		m.events.Emit(Event{Type: EventPeerConnected, RemoteID: remote, State: s})
	case webrtc.PeerConnectionStateDisconnected:
		m.events.Emit(Event{Type: EventPeerDisconnected, RemoteID: remote, State: s})
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		if s == webrtc.PeerConnectionStateFailed {
			m.events.Emit(Event{Type: EventPeerFailed, RemoteID: remote, State: s})
		}
		// The transport may be calling us from inside its own close path.
		go m.drop(remote, t)
	}
}

// drop removes the record for remote if t still backs it.
func (m *Manager) drop(remote domain.ConnectionID, t Transport) {
	unlock, err := m.lock(remote)
	if err != nil {
		return
	}
	defer unlock()

	m.mu.Lock()
	rec, ok := m.peers[remote]
	if !ok || rec.transport != t {
		m.mu.Unlock()
		return
	}
	delete(m.peers, remote)
	delete(m.pending, remote)
	m.mu.Unlock()
	m.teardown(rec)
	m.logger.Info().Str("peer", string(remote)).Msg("peer record dropped")
}

func (m *Manager) startStats(rec *record) {
	m.mu.Lock()
	if rec.stopStats != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rec.stopStats = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := rec.transport.Stats()
				m.mu.Lock()
				rec.stats = &s
				m.mu.Unlock()
				m.events.Emit(Event{Type: EventStatsUpdated, RemoteID: rec.remote, Stats: &s})
			}
		}
	}()
}

// SetLocalTracks replaces the outgoing tracks on every tracked peer and keeps
// tracks for peers created later. Callers renegotiate afterwards.
func (m *Manager) SetLocalTracks(tracks []webrtc.TrackLocal) error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return fmt.Errorf("peer manager disposed: %w", errs.ErrInvalidState)
	}
	m.localTracks = append([]webrtc.TrackLocal(nil), tracks...)
	remotes := make([]domain.ConnectionID, 0, len(m.peers))
	for id := range m.peers {
		remotes = append(remotes, id)
	}
	m.mu.Unlock()

	var errList []error
	for _, remote := range remotes {
		if err := m.replaceTracks(remote, tracks); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

func (m *Manager) replaceTracks(remote domain.ConnectionID, tracks []webrtc.TrackLocal) error {
	unlock, err := m.lock(remote)
	if err != nil {
		return err
	}
	defer unlock()

	rec := m.get(remote)
	if rec == nil {
		return nil
	}
	m.mu.Lock()
	old := rec.senders
	rec.senders = nil
	m.mu.Unlock()

	var errList []error
	for _, s := range old {
		if err := rec.transport.RemoveTrack(s); err != nil {
			errList = append(errList, fmt.Errorf("remove track on %s: %w", remote, err))
		}
	}
	added := make([]Sender, 0, len(tracks))
	for _, tr := range tracks {
		s, err := rec.transport.AddTrack(tr)
		if err != nil {
			errList = append(errList, fmt.Errorf("add track %s on %s: %w", tr.ID(), remote, err))
			continue
		}
		added = append(added, s)
	}
	m.mu.Lock()
	rec.senders = added
	m.mu.Unlock()
	return errors.Join(errList...)
}

// SendMessage writes text on the messaging data channel of remote.
func (m *Manager) SendMessage(remote domain.ConnectionID, text string) error {
	m.mu.Lock()
	rec := m.peers[remote]
	var dc DataChannel
	if rec != nil {
		dc = rec.dataChannel
	}
	m.mu.Unlock()
	if rec == nil {
		return fmt.Errorf("send to %s: %w", remote, errs.ErrPeerNotFound)
	}
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel to %s not open: %w", remote, errs.ErrInvalidState)
	}
	return dc.SendText(text)
}

// Broadcast sends text to every peer with an open data channel.
func (m *Manager) Broadcast(text string) int {
	n := 0
	for _, id := range m.Remotes() {
		if err := m.SendMessage(id, text); err == nil {
			n++
		}
	}
	return n
}

func (m *Manager) Remotes() []domain.ConnectionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ConnectionID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

func (m *Manager) ConnectedPeers() []domain.ConnectionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ConnectionID
	for id, rec := range m.peers {
		if rec.state == webrtc.PeerConnectionStateConnected {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) Peer(remote domain.ConnectionID) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.peers[remote]
	if !ok {
		return Info{}, false
	}
	info := Info{
		RemoteID:       remote,
		State:          rec.state,
		SignalingState: rec.signaling,
		RemoteTracks:   len(rec.remoteTracks),
		LocalTracks:    len(rec.senders),
		DataChannel:    rec.dataChannel != nil,
		PendingICE:     len(m.pending[remote]),
	}
	if rec.stats != nil {
		s := *rec.stats
		info.Stats = &s
	}
	return info, true
}

// PendingCandidates reports how many candidates wait for remote's description.
func (m *Manager) PendingCandidates(remote domain.ConnectionID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[remote])
}

// Stats samples remote's transport now.
func (m *Manager) Stats(remote domain.ConnectionID) (Stats, error) {
	rec := m.get(remote)
	if rec == nil {
		return Stats{}, fmt.Errorf("stats for %s: %w", remote, errs.ErrPeerNotFound)
	}
	return rec.transport.Stats(), nil
}

// Dispose closes every peer and detaches all listeners. Idempotent.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	remotes := make([]domain.ConnectionID, 0, len(m.peers))
	for id := range m.peers {
		remotes = append(remotes, id)
	}
	m.mu.Unlock()

	for _, id := range remotes {
		m.ClosePeerConnection(id)
	}

	m.mu.Lock()
	m.disposed = true
	m.pending = make(map[domain.ConnectionID][]webrtc.ICECandidateInit)
	m.localTracks = nil
	m.mu.Unlock()
	m.events.Clear()
}
