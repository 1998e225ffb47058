package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Studio/internal/adapters/rtc"
	"github.com/dkeye/Studio/internal/bot"
	"github.com/dkeye/Studio/internal/client"
	"github.com/dkeye/Studio/internal/config"
	"github.com/dkeye/Studio/internal/domain"
	"github.com/dkeye/Studio/internal/peer"
	"github.com/dkeye/Studio/internal/recording"
	"github.com/dkeye/Studio/internal/upload"
)

type recordOptions struct {
	url         string
	token       string
	session     string
	recordingID string
	userID      string
	warmup      time.Duration
	duration    time.Duration
}

func newRecordCmd(st *state) *cobra.Command {
	opts := &recordOptions{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Join a session, record every participant track and upload the files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return record(cmd.Context(), st.cfg, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.url, "url", "ws://localhost:8080/api/ws/signal", "signaling endpoint")
	f.StringVar(&opts.token, "token", "", "access token for the signaling endpoint")
	f.StringVar(&opts.session, "session", "", "session to join")
	f.StringVar(&opts.recordingID, "recording-id", "", "recording id used in storage keys (default random)")
	f.StringVar(&opts.userID, "user", "recorder", "user id used in storage keys")
	f.DurationVar(&opts.warmup, "warmup", 5*time.Second, "time to collect tracks before recording starts")
	f.DurationVar(&opts.duration, "duration", 0, "recording length; 0 records until interrupted")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newSink(cfg *config.Config) (upload.Sink, error) {
	if cfg.S3.Enabled {
		return upload.NewS3Sink(upload.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			UseSSL:    cfg.S3.UseSSL,
			Region:    cfg.S3.Region,
		})
	}
	return upload.NewHTTPSink(cfg.Upload.Endpoint), nil
}

// wait returns false when the call or ctx ended first.
func wait(ctx context.Context, d time.Duration, done <-chan error) bool {
	var timer <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-timer:
		return true
	case <-ctx.Done():
	case <-done:
	}
	return false
}

func record(ctx context.Context, cfg *config.Config, opts *recordOptions) error {
	ctx, cancel := ossignal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if opts.recordingID == "" {
		opts.recordingID = uuid.NewString()
	}
	sink, err := newSink(cfg)
	if err != nil {
		return err
	}

	conn, err := client.Dial(ctx, opts.url, client.DialOptions{Token: opts.token})
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.url, err)
	}
	peers := peer.NewManager(rtc.NewFactory(rtc.ConfigFromICE(cfg.ICEServers), webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo))
	defer peers.Dispose()
	call := client.NewCall(conn, peers)
	defer func() { _ = call.Close() }()

	coord := recording.NewCoordinator(cfg.Recording)
	defer coord.Dispose()
	if err := coord.StartSession(opts.recordingID); err != nil {
		return err
	}
	rec := bot.New(peers, coord, &upload.Uploader{
		Sink:      sink,
		UserID:    opts.userID,
		ChunkSize: int64(cfg.Upload.ChunkSize),
	})
	defer rec.Close()

	callDone := make(chan error, 1)
	go func() { callDone <- call.Run(ctx) }()

	if _, err := call.Join(ctx, domain.SessionID(opts.session), false); err != nil {
		return fmt.Errorf("join %s: %w", opts.session, err)
	}
	log.Info().Str("session", opts.session).Str("recording", opts.recordingID).Dur("warmup", opts.warmup).Msg("joined, collecting tracks")

	if !wait(ctx, opts.warmup, callDone) {
		return errors.New("call ended before recording started")
	}
	if err := rec.Start(ctx); err != nil {
		return fmt.Errorf("start recording: %w", err)
	}
	log.Info().Str("recording", opts.recordingID).Msg("recording")
	wait(ctx, opts.duration, callDone)

	// ctx may already be cancelled by the interrupt that ended the recording.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer finishCancel()
	results, err := rec.Finish(finishCtx, opts.recordingID)
	for _, r := range results {
		log.Info().Str("participant", r.ParticipantID).Str("file", r.Filename).Str("url", r.Upload.URL).Int64("size", r.Upload.Size).Msg("uploaded")
	}
	if lerr := call.Leave(); lerr != nil {
		log.Debug().Err(lerr).Msg("leave after recording")
	}
	return err
}
