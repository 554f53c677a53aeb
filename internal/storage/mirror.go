package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/digkill/TGGenBot/internal/producer"
)

const maxMirrorBytes = 32 << 20

// ObjectUploader stores bytes and returns a public URL.
type ObjectUploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

// Mirror copies every successful result into durable storage. Producer URLs often expire,
// so the stored copy is what the user receives. Mirror failures keep the original URL.
type Mirror struct {
	next       producer.Producer
	uploader   ObjectUploader
	httpClient *http.Client
	log        *slog.Logger
}

func NewMirror(next producer.Producer, uploader ObjectUploader, log *slog.Logger) *Mirror {
	return &Mirror{
		next:       next,
		uploader:   uploader,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

func (m *Mirror) Generate(ctx context.Context, prompt string, params producer.Params) (*producer.Result, error) {
	res, err := m.next.Generate(ctx, prompt, params)
	if err != nil || res == nil || res.URL == "" {
		return res, err
	}

	durable, err := m.copy(ctx, res.URL)
	if err != nil {
		if m.log != nil {
			m.log.Warn("mirror result failed, keeping producer url", "url", res.URL, "err", err)
		}
		return res, nil
	}
	return &producer.Result{URL: durable, Caption: res.Caption}, nil
}

func (m *Mirror) copy(ctx context.Context, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("download result: status=%d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMirrorBytes+1))
	if err != nil {
		return "", fmt.Errorf("read result: %w", err)
	}
	if len(data) > maxMirrorBytes {
		return "", fmt.Errorf("result exceeds %d bytes", maxMirrorBytes)
	}

	return m.uploader.Upload(ctx, data, detectContentType(resp.Header.Get("Content-Type"), sourceURL, data))
}

func detectContentType(header, sourceURL string, data []byte) string {
	if mediaType, _, err := mime.ParseMediaType(header); err == nil && strings.HasPrefix(mediaType, "image/") {
		return mediaType
	}
	if byExt := mime.TypeByExtension(path.Ext(strings.SplitN(sourceURL, "?", 2)[0])); strings.HasPrefix(byExt, "image/") {
		return strings.SplitN(byExt, ";", 2)[0]
	}
	return http.DetectContentType(data)
}
