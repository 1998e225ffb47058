// Package upload hands finished recordings to chunked storage.
package upload

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

const DefaultChunkSize = 5 * 1024 * 1024

var (
	ErrUploadFailed   = errors.New("upload failed")
	ErrUnknownSession = errors.New("unknown upload session")
	ErrEmptyArtifact  = errors.New("empty artifact")
)

type InitRequest struct {
	UserID      string `json:"userId"`
	RecordingID string `json:"recordingId"`
	Filename    string `json:"filename"`
	MimeType    string `json:"mimeType"`
	TotalSize   int64  `json:"totalSize"`
	ChunkSize   int64  `json:"chunkSize,omitempty"`
}

func (r InitRequest) validate() error {
	if r.UserID == "" || r.RecordingID == "" || r.Filename == "" || r.MimeType == "" || r.TotalSize <= 0 {
		return fmt.Errorf("missing required fields: %w", ErrUploadFailed)
	}
	return nil
}

type InitResponse struct {
	SessionID   string `json:"sessionId"`
	UploadURL   string `json:"uploadUrl,omitempty"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
}

type CompleteResponse struct {
	URL        string `json:"url"`
	StorageKey string `json:"storageKey"`
	Size       int64  `json:"size"`
}

// Sink is the chunked-upload collaborator. Retries are its own business.
type Sink interface {
	Init(ctx context.Context, req InitRequest) (InitResponse, error)
	UploadChunk(ctx context.Context, sessionID string, index, total int, chunk []byte) error
	Complete(ctx context.Context, sessionID string) (CompleteResponse, error)
}

func totalChunks(size, chunk int64) int {
	return int((size + chunk - 1) / chunk)
}

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// StorageKey is recordings/<user>/<recording>/<unix-ms>-<sanitized filename>.
func StorageKey(userID, recordingID, filename string, at time.Time) string {
	return fmt.Sprintf("recordings/%s/%s/%d-%s", userID, recordingID, at.UnixMilli(), unsafeName.ReplaceAllString(filename, "_"))
}
