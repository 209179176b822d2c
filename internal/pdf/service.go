// Package pdf はアップロードされたPDFを Excel / Word / 画像 ZIP に変換する機能を提供します。
//
// 変換はダウンロードと同じく追跡ジョブとして実行され、成果物は一定時間後に削除されます。
package pdf

import (
	"errors"
	"time"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/sirupsen/logrus"

	"github.com/yourusername/media-forge/internal/cleanup"
	"github.com/yourusername/media-forge/internal/jobs"
	"github.com/yourusername/media-forge/internal/storage"
)

const (
	defaultMaxUploadSize = 100 << 20
	defaultMaxPages      = 200
	defaultArtifactTTL   = 600 * time.Second
	defaultInputTTL      = 300 * time.Second
	defaultOfficeCommand = "soffice"
	defaultGhostscript   = "gs"
)

// Kind は変換の種類です。
type Kind string

const (
	KindExcel Kind = "excel"
	KindWord  Kind = "word"
	KindImage Kind = "image"
)

// Source は Job.Source に記録するタグを返します。
func (k Kind) Source() string { return "pdf-" + string(k) }

// Ext は成果物の拡張子 (ドット付き) を返します。
func (k Kind) Ext() string {
	switch k {
	case KindExcel:
		return ".xlsx"
	case KindWord:
		return ".docx"
	default:
		return ".zip"
	}
}

// Options は Service の設定です。
type Options struct {
	Tracker         *jobs.Tracker
	Cleaner         cleanup.Scheduler
	Storage         *storage.Local
	Runner          CommandRunner
	MaxUploadSize   int64
	MaxPages        int
	WordCommand     string
	GhostscriptPath string
	ArtifactTTL     time.Duration
	InputTTL        time.Duration
	Logger          logrus.FieldLogger
}

// Service はPDF変換を提供します。
type Service struct {
	opts Options

	countPages     func(path string) (int, error)
	extractContent func(inFile, outDir string) error
}

// NewService は Service を作成します。
func NewService(opts Options) (*Service, error) {
	if opts.Tracker == nil {
		return nil, errors.New("tracker is nil")
	}
	if opts.Cleaner == nil {
		return nil, errors.New("cleaner is nil")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage is nil")
	}
	if opts.Runner == nil {
		opts.Runner = ExecRunner{}
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = defaultMaxUploadSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.WordCommand == "" {
		opts.WordCommand = defaultOfficeCommand
	}
	if opts.GhostscriptPath == "" {
		opts.GhostscriptPath = defaultGhostscript
	}
	if opts.ArtifactTTL <= 0 {
		opts.ArtifactTTL = defaultArtifactTTL
	}
	if opts.InputTTL <= 0 {
		opts.InputTTL = defaultInputTTL
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Service{
		opts:           opts,
		countPages:     func(path string) (int, error) { return pdfapi.PageCountFile(path) },
		extractContent: func(inFile, outDir string) error {
			return pdfapi.ExtractContentFile(inFile, outDir, nil, nil)
		},
	}, nil
}
