// Package bot records the remote tracks of a call and uploads one file per
// track when the recording ends.
package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/dkeye/Studio/internal/capture"
	"github.com/dkeye/Studio/internal/peer"
	"github.com/dkeye/Studio/internal/recording"
	"github.com/dkeye/Studio/internal/upload"
)

const maxParallelUploads = 2

// Result is one uploaded participant track.
type Result struct {
	ParticipantID string
	Filename      string
	Upload        upload.CompleteResponse
}

type Recorder struct {
	coord    *recording.Coordinator
	uploader *upload.Uploader
	logger   zerolog.Logger
	unsub    func()
}

// New registers every stream the peers receive as a coordinator track. The
// coordinator session must already be started.
func New(peers *peer.Manager, coord *recording.Coordinator, uploader *upload.Uploader) *Recorder {
	r := &Recorder{
		coord:    coord,
		uploader: uploader,
		logger:   log.With().Str("module", "bot").Logger(),
	}
	r.unsub = peers.Subscribe(r.onPeerEvent)
	return r
}

func (r *Recorder) onPeerEvent(e peer.Event) {
	switch e.Type {
	case peer.EventStreamAdded:
	case peer.EventPeerDisconnected, peer.EventPeerFailed:
		r.logger.Warn().Str("participant", string(e.RemoteID)).Msg("participant dropped, its tracks will end in error")
		return
	default:
		return
	}
	if e.Track == nil {
		return
	}
	kind := recording.KindAudio
	if e.Track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = recording.KindVideo
	}
	pid := string(e.RemoteID)
	if _, err := r.coord.AddTrack(pid, pid, kind, capture.NewTrackSource(e.Track)); err != nil {
		r.logger.Warn().Err(err).Str("participant", pid).Str("kind", string(kind)).Msg("track not registered")
		return
	}
	if info, ok := r.coord.Session(); ok && info.Status != recording.SessionIdle {
		r.logger.Warn().Str("participant", pid).Str("kind", string(kind)).Msg("track arrived after start and will not be recorded")
	}
}

func (r *Recorder) Start(ctx context.Context) error {
	return r.coord.StartRecording(ctx)
}

// Finish stops the recording and uploads every artifact. Failed tracks and
// failed uploads are reported together; the rest still upload.
func (r *Recorder) Finish(ctx context.Context, recordingID string) ([]Result, error) {
	artifacts, stopErr := r.coord.StopRecording(ctx)
	if artifacts == nil && stopErr != nil {
		return nil, stopErr
	}

	pids := make([]string, 0, len(artifacts))
	for pid := range artifacts {
		pids = append(pids, pid)
	}
	sort.Strings(pids)

	p := pool.NewWithResults[Result]().WithErrors().WithMaxGoroutines(maxParallelUploads)
	for _, pid := range pids {
		for i, a := range artifacts[pid] {
			kind := recording.KindAudio
			if a.Metadata.VideoTracks > 0 {
				kind = recording.KindVideo
			}
			name := upload.FileName(pid, kind, a.Metadata.Encoding)
			if i > 0 {
				name = fmt.Sprintf("%d-%s", i, name)
			}
			p.Go(func() (Result, error) {
				res, err := r.uploader.Upload(ctx, recordingID, name, a)
				if err != nil {
					return Result{}, fmt.Errorf("upload %s: %w", name, err)
				}
				return Result{ParticipantID: pid, Filename: name, Upload: res}, nil
			})
		}
	}
	results, uploadErr := p.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].Filename < results[j].Filename })

	r.logger.Info().Str("recording", recordingID).Int("uploaded", len(results)).Msg("recording finished")
	return results, errors.Join(stopErr, uploadErr)
}

// Close stops watching the peers. The coordinator is left to its owner.
func (r *Recorder) Close() {
	r.unsub()
}
