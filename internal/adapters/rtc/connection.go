// Package rtc backs peer.Transport with pion.
package rtc

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/peer"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

var errForeignSender = errors.New("sender was not created by this connection")

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// ConfigFromICE builds a configuration from configured server URLs, falling
// back to the public STUN server.
func ConfigFromICE(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		return DefaultWebRTCConfig()
	}
	return webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: urls}}}
}

func newAPI() (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir)), nil
}

// NewFactory returns a peer.TransportFactory producing pion connections.
// Each connection gets one receive-only transceiver per kind in receive, so
// a participant that publishes nothing can still be offered media.
func NewFactory(cfg webrtc.Configuration, receive ...webrtc.RTPCodecType) peer.TransportFactory {
	return func(remote domain.ConnectionID) (peer.Transport, error) {
		return NewWebRTCConnection(cfg, remote, receive...)
	}
}

type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.ConnectionID
}

func NewWebRTCConnection(cfg webrtc.Configuration, remote domain.ConnectionID, receive ...webrtc.RTPCodecType) (*WebRTCConnection, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	for _, kind := range receive {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	c := &WebRTCConnection{pc: pc, remote: remote}
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer", string(remote)).Str("ice_state", s.String()).Msg("ICE state")
	})
	return c, nil
}

func (c *WebRTCConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *WebRTCConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *WebRTCConnection) SetLocalDescription(d webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(d)
}

func (c *WebRTCConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *WebRTCConnection) AddTrack(track webrtc.TrackLocal) (peer.Sender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (c *WebRTCConnection) RemoveTrack(s peer.Sender) error {
	sender, ok := s.(*webrtc.RTPSender)
	if !ok {
		return errForeignSender
	}
	return c.pc.RemoveTrack(sender)
}

func (c *WebRTCConnection) CreateDataChannel(label string, ordered bool) (peer.DataChannel, error) {
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (c *WebRTCConnection) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			fn(nil)
			return
		}
		init := cand.ToJSON()
		fn(&init)
	})
}

func (c *WebRTCConnection) OnTrack(fn func(peer.RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("peer", string(c.remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		fn(track)
	})
}

func (c *WebRTCConnection) OnDataChannel(fn func(peer.DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) { fn(dc) })
}

func (c *WebRTCConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(fn)
}

func (c *WebRTCConnection) OnSignalingStateChange(fn func(webrtc.SignalingState)) {
	c.pc.OnSignalingStateChange(fn)
}

// Stats folds the pion report into transport totals, inbound loss and the
// round trip of the nominated candidate pair.
func (c *WebRTCConnection) Stats() peer.Stats {
	out := peer.Stats{SampledAt: time.Now()}
	for _, s := range c.pc.GetStats() {
		switch st := s.(type) {
		case webrtc.TransportStats:
			out.BytesSent += st.BytesSent
			out.BytesReceived += st.BytesReceived
		case webrtc.InboundRTPStreamStats:
			out.PacketsLost += int64(st.PacketsLost)
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.CurrentRoundTripTime > 0 {
				out.RoundTripTime = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
	return out
}

func (c *WebRTCConnection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("peer", string(c.remote)).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("peer", string(c.remote)).Msg("closed")
	return nil
}
