package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yourusername/media-forge/internal/jobs"
	"github.com/yourusername/media-forge/internal/storage"
)

const (
	defaultRemoteExt = ".mp4"
	maxErrorBody     = 4 << 10
)

// RemoteDownloader はリモート API からストリーミングで成果物を取得します。
type RemoteDownloader struct {
	Options
	source    string
	endpoint  string
	client    *http.Client
	chunkSize int
}

// NewRemoteDownloader は endpoint?url=<入力> を GET するアダプターを作成します。
// timeout が 0 の場合はタイムアウトを設定しません。
func NewRemoteDownloader(source, endpoint string, timeout time.Duration, chunkSize int, opts Options) (*RemoteDownloader, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("remote endpoint is required")
	}
	if chunkSize <= 0 {
		chunkSize = storage.DefaultChunkSize
	}
	return &RemoteDownloader{
		Options:   opts.withDefaults(),
		source:    source,
		endpoint:  endpoint,
		client:    &http.Client{Timeout: timeout},
		chunkSize: chunkSize,
	}, nil
}

// Source implements Adapter.
func (d *RemoteDownloader) Source() string { return d.source }

// Run implements Adapter.
func (d *RemoteDownloader) Run(ctx context.Context, videoURL, processID string) error {
	if err := d.Tracker.Start(ctx, processID); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint, nil)
	if err != nil {
		return fmt.Errorf("invalid remote endpoint: %w", err)
	}
	q := req.URL.Query()
	q.Set("url", videoURL)
	req.URL.RawQuery = q.Encode()

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach remote API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return remoteError(resp)
	}

	remoteName := FilenameFromDisposition(resp.Header.Get("Content-Disposition"))
	ext := defaultRemoteExt
	if remoteName != "" {
		ext = filepath.Ext(remoteName)
	}
	path := filepath.Join(d.OutputDir, storage.UniqueName(ext))

	var total *int64
	if resp.ContentLength > 0 {
		total = jobs.Ptr(resp.ContentLength)
	}
	if err := d.Tracker.Update(ctx, processID, jobs.Update{
		Progress:        jobs.Ptr(0.0),
		BytesDownloaded: jobs.Ptr(int64(0)),
		TotalBytes:      total,
	}); err != nil {
		return err
	}

	if err := d.stream(ctx, resp.Body, path, processID, total); err != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			d.Logger.WithError(rmErr).WithField("path", path).Warn("failed to remove partial download")
		}
		return err
	}

	suggested := remoteName
	if suggested == "" {
		suggested = filepath.Base(path)
	}
	return d.finish(ctx, processID, path, suggested)
}

// stream は本文をチャンク単位で書き出し、チャンクごとに進捗を報告します。
func (d *RemoteDownloader) stream(ctx context.Context, body io.Reader, path, processID string, total *int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to prepare download dir: %w", err)
	}
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	report := d.reporter(ctx, processID)
	buf := make([]byte, d.chunkSize)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				out.Close()
				return fmt.Errorf("failed to write output file: %w", err)
			}
			written += int64(n)
			report(jobs.ProgressEvent{Phase: jobs.PhaseDownloading, BytesDownloaded: written, TotalBytes: total})
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			return fmt.Errorf("failed to read remote stream: %w", readErr)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}
	return nil
}

func remoteError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(strings.ToValidUTF8(string(raw), ""))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("remote API error (%d): %s", resp.StatusCode, msg)
}
