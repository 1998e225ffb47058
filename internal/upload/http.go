package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// HTTPSink talks to the chunked-upload service over /api/upload.
type HTTPSink struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPSink(baseURL string) *HTTPSink {
	return &HTTPSink{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (s *HTTPSink) Init(ctx context.Context, req InitRequest) (InitResponse, error) {
	if err := req.validate(); err != nil {
		return InitResponse{}, err
	}
	var out InitResponse
	if err := s.postJSON(ctx, "/api/upload/init", req, &out); err != nil {
		return InitResponse{}, err
	}
	if out.SessionID == "" {
		return InitResponse{}, fmt.Errorf("init returned no session: %w", ErrUploadFailed)
	}
	return out, nil
}

func (s *HTTPSink) UploadChunk(ctx context.Context, sessionID string, index, total int, chunk []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("chunk", fmt.Sprintf("chunk-%d", index))
	if err != nil {
		return err
	}
	if _, err := fw.Write(chunk); err != nil {
		return err
	}
	_ = mw.WriteField("sessionId", sessionID)
	_ = mw.WriteField("chunkIndex", strconv.Itoa(index))
	_ = mw.WriteField("totalChunks", strconv.Itoa(total))
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/api/upload/chunk", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.do(req, nil)
}

func (s *HTTPSink) Complete(ctx context.Context, sessionID string) (CompleteResponse, error) {
	var out CompleteResponse
	err := s.postJSON(ctx, "/api/upload/complete", map[string]string{"sessionId": sessionID}, &out)
	return out, err
}

func (s *HTTPSink) postJSON(ctx context.Context, path string, in, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, out)
}

func (s *HTTPSink) do(req *http.Request, out any) error {
	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: status %d %s: %w", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)), ErrUploadFailed)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", req.URL.Path, err)
	}
	return nil
}
