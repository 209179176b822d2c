package downloader

import (
	"context"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"github.com/yourusername/media-forge/internal/jobs"
)

const (
	defaultFormat           = "bestvideo[ext=mp4]+bestaudio[ext=m4a]/best[ext=mp4]"
	defaultMergeFormat      = "mp4"
	defaultProgressInterval = 500 * time.Millisecond
)

// formatSuffix は結合前の中間ファイルに付くフォーマット ID (.f137 など) です。
var formatSuffix = regexp.MustCompile(`\.f[0-9A-Za-z-]+$`)

// YtDlpExtractor は go-ytdlp を使う Extractor です。
type YtDlpExtractor struct {
	Format           string
	MergeFormat      string
	ProgressInterval time.Duration
}

// NewYtDlpExtractor は mp4 を優先する既定設定の抽出器を返します。
func NewYtDlpExtractor() *YtDlpExtractor {
	return &YtDlpExtractor{
		Format:           defaultFormat,
		MergeFormat:      defaultMergeFormat,
		ProgressInterval: defaultProgressInterval,
	}
}

// Extract implements Extractor.
func (e *YtDlpExtractor) Extract(ctx context.Context, req ExtractRequest, progress func(jobs.ProgressEvent)) (string, error) {
	dl := ytdlp.New().
		PrintJSON().
		Format(e.Format).
		MergeOutputFormat(e.MergeFormat).
		NoPlaylist().
		Output(req.OutputTemplate)
	if req.Retries > 0 {
		dl.Retries(strconv.Itoa(req.Retries))
	}
	if req.FragmentRetries > 0 {
		dl.FragmentRetries(strconv.Itoa(req.FragmentRetries))
	}
	if req.SkipUnavailableFragments {
		dl.SkipUnavailableFragments()
	}

	var (
		mu       sync.Mutex
		lastFile string
	)
	interval := e.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	dl.ProgressFunc(interval, func(update ytdlp.ProgressUpdate) {
		if update.Filename != "" {
			mu.Lock()
			lastFile = update.Filename
			mu.Unlock()
		}
		if ev, ok := eventFromUpdate(update); ok && progress != nil {
			progress(ev)
		}
	})

	result, err := dl.Run(ctx, req.URL)
	if err != nil {
		return "", err
	}

	mu.Lock()
	fallback := lastFile
	mu.Unlock()
	return forceExt(resolveFilename(result, fallback), "."+e.MergeFormat), nil
}

// eventFromUpdate は go-ytdlp の進捗を ProgressEvent に変換します。
// downloading と finished 以外の段階は無視します。
func eventFromUpdate(update ytdlp.ProgressUpdate) (jobs.ProgressEvent, bool) {
	var phase jobs.Phase
	switch update.Status {
	case ytdlp.ProgressStatusDownloading:
		phase = jobs.PhaseDownloading
	case ytdlp.ProgressStatusFinished:
		phase = jobs.PhaseFinished
	default:
		return jobs.ProgressEvent{}, false
	}

	ev := jobs.ProgressEvent{Phase: phase, BytesDownloaded: int64(update.DownloadedBytes)}
	if update.TotalBytes > 0 {
		ev.TotalBytes = jobs.Ptr(int64(update.TotalBytes))
	}
	return ev, true
}

// resolveFilename は抽出結果から出力ファイル名を決めます。
// 抽出情報が無い場合は最後に進捗で見えたファイル名から中間フォーマット ID を外して使います。
func resolveFilename(result *ytdlp.Result, fallback string) string {
	if result != nil {
		if info, err := result.GetExtractedInfo(); err == nil {
			for _, item := range info {
				if item != nil && item.Filename != nil && *item.Filename != "" {
					return *item.Filename
				}
			}
		}
	}
	if fallback == "" {
		return ""
	}
	ext := filepath.Ext(fallback)
	stem := strings.TrimSuffix(fallback, ext)
	return formatSuffix.ReplaceAllString(stem, "") + ext
}

// forceExt は拡張子を ext に置き換えます。
func forceExt(path, ext string) string {
	if path == "" {
		return ""
	}
	if strings.EqualFold(filepath.Ext(path), ext) {
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}
