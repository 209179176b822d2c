package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/yourusername/media-forge/internal/jobs"
)

// 出力ファイル名テンプレート。%(...)s は抽出ライブラリ側で展開される。
const (
	YouTubeTemplate = "%(id)s_%(title)s.%(ext)s"
	TikTokTemplate  = "tiktok_%(id)s_%(upload_date)s_%(timestamp)s.%(ext)s"
)

// errMissingOutput は抽出後に期待したファイルが存在しない場合のエラーです。
var errMissingOutput = errors.New("failed to download video")

// ExtractRequest は抽出ライブラリへの 1 回分の依頼です。
type ExtractRequest struct {
	URL                      string
	OutputTemplate           string
	Retries                  int
	FragmentRetries          int
	SkipUnavailableFragments bool
}

// Extractor はメディア抽出ライブラリの抽象です。
// Extract は完成したファイルのパスを返します。
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest, progress func(jobs.ProgressEvent)) (string, error)
}

// LocalDownloader は Extractor を使ってローカルで動画を取得します。
type LocalDownloader struct {
	Options
	source    string
	extractor Extractor
	template  string
	retries   int
	skipFrags bool
}

// LocalOption は LocalDownloader の追加設定です。
type LocalOption func(*LocalDownloader)

// WithRetries はリトライ回数とフラグメントリトライ回数を設定します。
func WithRetries(n int) LocalOption {
	return func(d *LocalDownloader) { d.retries = n }
}

// WithSkipUnavailableFragments は欠損フラグメントを無視して続行させます。
func WithSkipUnavailableFragments() LocalOption {
	return func(d *LocalDownloader) { d.skipFrags = true }
}

// NewLocalDownloader creates a local extraction adapter.
func NewLocalDownloader(source string, extractor Extractor, template string, opts Options, options ...LocalOption) (*LocalDownloader, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if extractor == nil {
		return nil, errors.New("extractor is nil")
	}
	if template == "" {
		template = YouTubeTemplate
	}
	d := &LocalDownloader{
		Options:   opts.withDefaults(),
		source:    source,
		extractor: extractor,
		template:  template,
	}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// NewYouTubeDownloader は YouTube 用の既定設定でアダプターを作成します。
func NewYouTubeDownloader(extractor Extractor, opts Options) (*LocalDownloader, error) {
	return NewLocalDownloader("youtube", extractor, YouTubeTemplate, opts)
}

// NewTikTokDownloader は TikTok 用の既定設定でアダプターを作成します。
// TikTok はフラグメント欠損が多いため 5 回までリトライします。
func NewTikTokDownloader(extractor Extractor, opts Options) (*LocalDownloader, error) {
	return NewLocalDownloader("tiktok", extractor, TikTokTemplate, opts,
		WithRetries(5),
		WithSkipUnavailableFragments(),
	)
}

// Source implements Adapter.
func (d *LocalDownloader) Source() string { return d.source }

// Run implements Adapter.
func (d *LocalDownloader) Run(ctx context.Context, videoURL, processID string) error {
	if err := d.Tracker.Start(ctx, processID); err != nil {
		return err
	}
	if err := os.MkdirAll(d.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to prepare download dir: %w", err)
	}

	// 同じ動画を同時に取得しても衝突しないよう process_id を前置する
	prefix := processID + "_"
	req := ExtractRequest{
		URL:                      videoURL,
		OutputTemplate:           filepath.Join(d.OutputDir, prefix+d.template),
		Retries:                  d.retries,
		FragmentRetries:          d.retries,
		SkipUnavailableFragments: d.skipFrags,
	}
	path, err := d.extractor.Extract(ctx, req, d.reporter(ctx, processID))
	if err != nil {
		return err
	}
	if path == "" {
		return errMissingOutput
	}
	if info, statErr := os.Stat(path); statErr != nil || info.IsDir() {
		return errMissingOutput
	}

	return d.finish(ctx, processID, path, strings.TrimPrefix(filepath.Base(path), prefix))
}
