// Package peertest provides an in-memory peer.Transport for tests.
package peertest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/peer"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var ErrNoRemoteDescription = errors.New("remote description not set")

type Sender struct{ track webrtc.TrackLocal }

func (s *Sender) Track() webrtc.TrackLocal { return s.track }

// Transport records every call and reaches connected once both descriptions
// are set. Callbacks run synchronously on the calling goroutine.
type Transport struct {
	Remote domain.ConnectionID

	mu        sync.Mutex
	calls     []string
	local     *webrtc.SessionDescription
	remote    *webrtc.SessionDescription
	applied   []webrtc.ICECandidateInit
	senders   []*Sender
	channels  []*DataChannel
	state     webrtc.PeerConnectionState
	closed    int
	candidate int

	onICE       func(*webrtc.ICECandidateInit)
	onTrack     func(peer.RemoteTrack)
	onDC        func(peer.DataChannel)
	onState     func(webrtc.PeerConnectionState)
	onSignaling func(webrtc.SignalingState)
}

func NewTransport(remote domain.ConnectionID) *Transport {
	return &Transport{Remote: remote, state: webrtc.PeerConnectionStateNew}
}

func (t *Transport) record(call string) {
	t.calls = append(t.calls, call)
}

func (t *Transport) Calls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.calls...)
}

func (t *Transport) Applied() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.applied...)
}

func (t *Transport) LocalTracks() []webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(t.senders))
	for _, s := range t.senders {
		out = append(out, s.track)
	}
	return out
}

func (t *Transport) State() webrtc.PeerConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) CloseCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("CreateOffer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-for-%s", t.Remote)}, nil
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("CreateAnswer")
	if t.remote == nil {
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-for-%s", t.Remote)}, nil
}

func (t *Transport) SetLocalDescription(d webrtc.SessionDescription) error {
	t.mu.Lock()
	t.record("SetLocalDescription:" + d.Type.String())
	t.local = &d
	t.candidate++
	mid := "0"
	c := &webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 2122260223 127.0.0.1 %d typ host", t.candidate, 50000+t.candidate),
		SDPMid:    &mid,
	}
	onICE, onSig := t.onICE, t.onSignaling
	t.mu.Unlock()

	if onSig != nil {
		if d.Type == webrtc.SDPTypeOffer {
			onSig(webrtc.SignalingStateHaveLocalOffer)
		} else {
			onSig(webrtc.SignalingStateStable)
		}
	}
	if onICE != nil {
		onICE(c)
		onICE(nil)
	}
	t.maybeConnect()
	return nil
}

func (t *Transport) SetRemoteDescription(d webrtc.SessionDescription) error {
	t.mu.Lock()
	t.record("SetRemoteDescription:" + d.Type.String())
	t.remote = &d
	onSig := t.onSignaling
	t.mu.Unlock()

	if onSig != nil {
		if d.Type == webrtc.SDPTypeOffer {
			onSig(webrtc.SignalingStateHaveRemoteOffer)
		} else {
			onSig(webrtc.SignalingStateStable)
		}
	}
	t.maybeConnect()
	return nil
}

func (t *Transport) maybeConnect() {
	t.mu.Lock()
	if t.local == nil || t.remote == nil || t.state != webrtc.PeerConnectionStateNew {
		t.mu.Unlock()
		return
	}
	t.state = webrtc.PeerConnectionStateConnected
	cb := t.onState
	t.mu.Unlock()
	if cb != nil {
		cb(webrtc.PeerConnectionStateConnecting)
		cb(webrtc.PeerConnectionStateConnected)
	}
}

func (t *Transport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("AddICECandidate")
	if t.remote == nil {
		return ErrNoRemoteDescription
	}
	t.applied = append(t.applied, c)
	return nil
}

func (t *Transport) AddTrack(track webrtc.TrackLocal) (peer.Sender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("AddTrack:" + track.ID())
	s := &Sender{track: track}
	t.senders = append(t.senders, s)
	return s, nil
}

func (t *Transport) RemoveTrack(s peer.Sender) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("RemoveTrack:" + s.Track().ID())
	for i, cur := range t.senders {
		if peer.Sender(cur) == s {
			t.senders = append(t.senders[:i], t.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown sender")
}

func (t *Transport) CreateDataChannel(label string, _ bool) (peer.DataChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record("CreateDataChannel:" + label)
	dc := NewDataChannel(label)
	t.channels = append(t.channels, dc)
	return dc, nil
}

func (t *Transport) DataChannels() []*DataChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*DataChannel(nil), t.channels...)
}

func (t *Transport) OnICECandidate(f func(*webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onICE = f
	t.mu.Unlock()
}

func (t *Transport) OnTrack(f func(peer.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = f
	t.mu.Unlock()
}

func (t *Transport) OnDataChannel(f func(peer.DataChannel)) {
	t.mu.Lock()
	t.onDC = f
	t.mu.Unlock()
}

func (t *Transport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = f
	t.mu.Unlock()
}

func (t *Transport) OnSignalingStateChange(f func(webrtc.SignalingState)) {
	t.mu.Lock()
	t.onSignaling = f
	t.mu.Unlock()
}

func (t *Transport) Stats() peer.Stats {
	return peer.Stats{BytesSent: 1200, BytesReceived: 3400, RoundTripTime: 20 * time.Millisecond, SampledAt: time.Now()}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.record("Close")
	t.closed++
	already := t.state == webrtc.PeerConnectionStateClosed
	t.state = webrtc.PeerConnectionStateClosed
	cb := t.onState
	t.mu.Unlock()
	if !already && cb != nil {
		cb(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// EmitTrack simulates an incoming remote track.
func (t *Transport) EmitTrack(track peer.RemoteTrack) {
	t.mu.Lock()
	cb := t.onTrack
	t.mu.Unlock()
	if cb != nil {
		cb(track)
	}
}

// EmitDataChannel simulates a channel opened by the remote side.
func (t *Transport) EmitDataChannel(dc *DataChannel) {
	t.mu.Lock()
	cb := t.onDC
	t.mu.Unlock()
	if cb != nil {
		cb(dc)
	}
}

// Fail drives the connection to failed.
func (t *Transport) Fail() {
	t.mu.Lock()
	t.state = webrtc.PeerConnectionStateFailed
	cb := t.onState
	t.mu.Unlock()
	if cb != nil {
		cb(webrtc.PeerConnectionStateFailed)
	}
}

// Network hands out Transports and remembers each one per remote.
type Network struct {
	mu         sync.Mutex
	transports map[domain.ConnectionID][]*Transport
	FailCreate error
}

func NewNetwork() *Network {
	return &Network{transports: make(map[domain.ConnectionID][]*Transport)}
}

func (n *Network) Factory(remote domain.ConnectionID) (peer.Transport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.FailCreate != nil {
		return nil, n.FailCreate
	}
	t := NewTransport(remote)
	n.transports[remote] = append(n.transports[remote], t)
	return t, nil
}

// Last returns the most recent transport created for remote.
func (n *Network) Last(remote domain.ConnectionID) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	ts := n.transports[remote]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

func (n *Network) Count(remote domain.ConnectionID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.transports[remote])
}

type DataChannel struct {
	label string

	mu     sync.Mutex
	state  webrtc.DataChannelState
	sent   []string
	onMsg  func(webrtc.DataChannelMessage)
	onOpen func()
}

func NewDataChannel(label string) *DataChannel {
	return &DataChannel{label: label, state: webrtc.DataChannelStateOpen}
}

func (d *DataChannel) Label() string { return d.label }

func (d *DataChannel) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DataChannel) SendText(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != webrtc.DataChannelStateOpen {
		return errors.New("data channel closed")
	}
	d.sent = append(d.sent, s)
	return nil
}

func (d *DataChannel) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

func (d *DataChannel) OnOpen(f func()) {
	d.mu.Lock()
	d.onOpen = f
	d.mu.Unlock()
}

func (d *DataChannel) OnMessage(f func(webrtc.DataChannelMessage)) {
	d.mu.Lock()
	d.onMsg = f
	d.mu.Unlock()
}

// Receive delivers text as if the remote had sent it.
func (d *DataChannel) Receive(text string) {
	d.mu.Lock()
	cb := d.onMsg
	d.mu.Unlock()
	if cb != nil {
		cb(webrtc.DataChannelMessage{IsString: true, Data: []byte(text)})
	}
}

func (d *DataChannel) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = webrtc.DataChannelStateClosed
	return nil
}

// RemoteTrack is a scripted incoming track.
type RemoteTrack struct {
	TrackID  string
	Stream   string
	TrackKnd webrtc.RTPCodecType
	Params   webrtc.RTPCodecParameters

	mu      sync.Mutex
	packets []*rtp.Packet
	done    chan struct{}
}

func NewRemoteTrack(id string, kind webrtc.RTPCodecType, mime string, clockRate uint32, packets ...*rtp.Packet) *RemoteTrack {
	return &RemoteTrack{
		TrackID:  id,
		Stream:   "stream-" + id,
		TrackKnd: kind,
		Params:   webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mime, ClockRate: clockRate}},
		packets:  packets,
		done:     make(chan struct{}),
	}
}

func (r *RemoteTrack) ID() string                       { return r.TrackID }
func (r *RemoteTrack) StreamID() string                 { return r.Stream }
func (r *RemoteTrack) Kind() webrtc.RTPCodecType        { return r.TrackKnd }
func (r *RemoteTrack) Codec() webrtc.RTPCodecParameters { return r.Params }

// ReadRTP returns the scripted packets, then blocks until End.
func (r *RemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	r.mu.Lock()
	if len(r.packets) > 0 {
		p := r.packets[0]
		r.packets = r.packets[1:]
		r.mu.Unlock()
		return p, nil, nil
	}
	r.mu.Unlock()
	<-r.done
	return nil, nil, errEnded
}

var errEnded = errors.New("track ended")

// End makes pending and future reads fail.
func (r *RemoteTrack) End() {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}
