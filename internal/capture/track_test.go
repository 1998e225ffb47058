package capture

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Studio/internal/errs"
	"github.com/dkeye/Studio/internal/peer/peertest"
	"github.com/dkeye/Studio/internal/recording"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func opusPackets(n int) []*rtp.Packet {
	out := make([]*rtp.Packet, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    111,
				SequenceNumber: uint16(i + 1),
				Timestamp:      uint32(960 * (i + 1)),
				SSRC:           1234,
			},
			Payload: []byte{0xfc, 0xff, 0xfe, byte(i)},
		})
	}
	return out
}

func TestSupportsEncoding(t *testing.T) {
	audio := NewTrackSource(peertest.NewRemoteTrack("a", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, 48000))
	video := NewTrackSource(peertest.NewRemoteTrack("v", webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, 90000))

	assert.True(t, audio.SupportsEncoding(recording.EncodingOpus))
	assert.True(t, audio.SupportsEncoding("audio/ogg"))
	assert.False(t, audio.SupportsEncoding(recording.EncodingVP8))
	assert.True(t, video.SupportsEncoding(recording.EncodingVP8))
	assert.False(t, video.SupportsEncoding("video/webm; codecs=vp9"))
	assert.False(t, NewTrackSource(nil).SupportsEncoding(recording.EncodingOpus))
}

func TestAcquireWithoutTrack(t *testing.T) {
	_, err := NewTrackSource(nil).Acquire(context.Background(), recording.Config{})
	assert.ErrorIs(t, err, errs.ErrDeviceNotFound)
}

func TestRecordOpusTrack(t *testing.T) {
	track := peertest.NewRemoteTrack("mic", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, 48000, opusPackets(20)...)
	t.Cleanup(track.End)

	rec := recording.NewRecorder(recording.Config{Audio: true, Timeslice: 10 * time.Millisecond}, NewTrackSource(track))
	defer rec.Dispose()

	var mu sync.Mutex
	chunks := 0
	rec.Subscribe(func(e recording.Event) {
		if e.Type == recording.EventDataAvailable {
			mu.Lock()
			chunks++
			mu.Unlock()
		}
	})

	require.NoError(t, rec.Start(context.Background()))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return chunks > 0
	}, time.Second, 5*time.Millisecond)

	art, err := rec.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(art.Data, []byte("OggS")))
	assert.Equal(t, 1, art.Metadata.AudioTracks)
	assert.Equal(t, 0, art.Metadata.VideoTracks)
	assert.Equal(t, int64(len(art.Data)), art.Metadata.TotalBytes)
}

func TestRecordVP8TrackHeader(t *testing.T) {
	track := peertest.NewRemoteTrack("cam", webrtc.RTPCodecTypeVideo, webrtc.MimeTypeVP8, 90000)
	t.Cleanup(track.End)

	rec := recording.NewRecorder(recording.Config{Video: true, Timeslice: time.Hour}, NewTrackSource(track))
	defer rec.Dispose()

	require.NoError(t, rec.Start(context.Background()))
	art, err := rec.Stop(context.Background())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(art.Data, []byte("DKIF")))
	assert.Equal(t, 1, art.Metadata.VideoTracks)
}

func TestTrackEndIsDeviceError(t *testing.T) {
	track := peertest.NewRemoteTrack("mic", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, 48000)
	rec := recording.NewRecorder(recording.Config{Audio: true}, NewTrackSource(track))
	defer rec.Dispose()

	require.NoError(t, rec.Start(context.Background()))
	track.End()
	assert.Eventually(t, func() bool {
		return rec.State().Status == recording.StatusError
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rec.State().Err, errs.ErrRecordingFailed)
}

func TestPausedPacketsAreDropped(t *testing.T) {
	track := peertest.NewRemoteTrack("mic", webrtc.RTPCodecTypeAudio, webrtc.MimeTypeOpus, 48000)
	t.Cleanup(track.End)
	dev := NewTrackDevice(track)

	var got [][]byte
	require.NoError(t, dev.Start(time.Hour, recording.DeviceEvents{OnData: func(b []byte) { got = append(got, b) }}))
	require.NoError(t, dev.Flush())
	require.Len(t, got, 1, "container header")

	require.NoError(t, dev.Pause())
	require.NoError(t, dev.Flush())
	assert.Len(t, got, 1)

	require.NoError(t, dev.Stop())
	require.NoError(t, dev.Release())
	require.NoError(t, dev.Release())
	assert.ErrorIs(t, dev.Start(time.Second, recording.DeviceEvents{}), errs.ErrInvalidState)
}
