package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// objectStore is the part of *minio.Client the sink uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type s3Session struct {
	key      string
	mimeType string
	chunks   map[int][]byte
	total    int
}

// S3Sink collects chunks per session and writes one object on Complete.
type S3Sink struct {
	store  objectStore
	bucket string
	region string
	now    func() time.Time

	mu       sync.Mutex
	ensured  bool
	sessions map[string]*s3Session
}

func NewS3Sink(cfg S3Config) (*S3Sink, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newS3Sink(client, cfg.Bucket, cfg.Region), nil
}

func newS3Sink(store objectStore, bucket, region string) *S3Sink {
	return &S3Sink{
		store:    store,
		bucket:   bucket,
		region:   region,
		now:      time.Now,
		sessions: make(map[string]*s3Session),
	}
}

func (s *S3Sink) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	done := s.ensured
	s.mu.Unlock()
	if done {
		return nil
	}
	exists, err := s.store.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := s.store.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		log.Info().Str("module", "upload").Str("bucket", s.bucket).Msg("bucket created")
	}
	s.mu.Lock()
	s.ensured = true
	s.mu.Unlock()
	return nil
}

func (s *S3Sink) Init(ctx context.Context, req InitRequest) (InitResponse, error) {
	if err := req.validate(); err != nil {
		return InitResponse{}, err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return InitResponse{}, err
	}
	chunk := req.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	id := uuid.NewString()
	sess := &s3Session{
		key:      StorageKey(req.UserID, req.RecordingID, req.Filename, s.now()),
		mimeType: req.MimeType,
		chunks:   make(map[int][]byte),
		total:    totalChunks(req.TotalSize, chunk),
	}
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return InitResponse{SessionID: id, ChunkSize: chunk, TotalChunks: sess.total}, nil
}

func (s *S3Sink) UploadChunk(_ context.Context, sessionID string, index, _ int, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%s: %w", sessionID, ErrUnknownSession)
	}
	if index < 0 || index >= sess.total {
		return fmt.Errorf("chunk %d of %d: %w", index, sess.total, ErrUploadFailed)
	}
	sess.chunks[index] = bytes.Clone(chunk)
	return nil
}

func (s *S3Sink) Complete(ctx context.Context, sessionID string) (CompleteResponse, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return CompleteResponse{}, fmt.Errorf("%s: %w", sessionID, ErrUnknownSession)
	}

	var body bytes.Buffer
	for i := 0; i < sess.total; i++ {
		part, ok := sess.chunks[i]
		if !ok {
			return CompleteResponse{}, fmt.Errorf("chunk %d missing: %w", i, ErrUploadFailed)
		}
		body.Write(part)
	}
	size := int64(body.Len())
	if _, err := s.store.PutObject(ctx, s.bucket, sess.key, &body, size, minio.PutObjectOptions{ContentType: sess.mimeType}); err != nil {
		return CompleteResponse{}, fmt.Errorf("put %s: %w", sess.key, err)
	}
	log.Info().Str("module", "upload").Str("key", sess.key).Int64("size", size).Msg("object stored")
	return CompleteResponse{URL: fmt.Sprintf("s3://%s/%s", s.bucket, sess.key), StorageKey: sess.key, Size: size}, nil
}
