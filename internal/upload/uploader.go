package upload

import (
	"context"
	"fmt"

	"github.com/dkeye/Studio/internal/recording"
	"github.com/rs/zerolog/log"
)

// Uploader slices an artifact into the chunk size the sink asks for.
type Uploader struct {
	Sink      Sink
	UserID    string
	ChunkSize int64
}

func (u *Uploader) Upload(ctx context.Context, recordingID, filename string, a *recording.Artifact) (CompleteResponse, error) {
	if a == nil || len(a.Data) == 0 {
		return CompleteResponse{}, ErrEmptyArtifact
	}
	size := int64(len(a.Data))
	session, err := u.Sink.Init(ctx, InitRequest{
		UserID:      u.UserID,
		RecordingID: recordingID,
		Filename:    filename,
		MimeType:    recording.BaseType(a.Metadata.Encoding),
		TotalSize:   size,
		ChunkSize:   u.ChunkSize,
	})
	if err != nil {
		return CompleteResponse{}, fmt.Errorf("init upload: %w", err)
	}
	chunk := session.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	total := session.TotalChunks
	if total <= 0 {
		total = totalChunks(size, chunk)
	}

	for i := 0; i < total; i++ {
		start := int64(i) * chunk
		if start >= size {
			return CompleteResponse{}, fmt.Errorf("sink expects %d chunks for %d bytes: %w", total, size, ErrUploadFailed)
		}
		end := min(start+chunk, size)
		if err := u.Sink.UploadChunk(ctx, session.SessionID, i, total, a.Data[start:end]); err != nil {
			return CompleteResponse{}, fmt.Errorf("chunk %d/%d: %w", i+1, total, err)
		}
	}

	res, err := u.Sink.Complete(ctx, session.SessionID)
	if err != nil {
		return CompleteResponse{}, fmt.Errorf("complete upload: %w", err)
	}
	log.Info().Str("module", "upload").Str("recording", recordingID).Str("file", filename).Int("chunks", total).Str("url", res.URL).Msg("upload complete")
	return res, nil
}

// FileName names a participant track artifact, e.g. host-audio.ogg.
func FileName(participantID string, kind recording.Kind, encoding string) string {
	ext := ".bin"
	switch recording.BaseType(encoding) {
	case "audio/ogg":
		ext = ".ogg"
	case "video/x-ivf":
		ext = ".ivf"
	case "video/webm", "audio/webm":
		ext = ".webm"
	}
	return fmt.Sprintf("%s-%s%s", participantID, kind, ext)
}
