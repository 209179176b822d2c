package pdf

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/yourusername/media-forge/internal/storage"
)

// Upload は検証済みのアップロードファイルです。
type Upload struct {
	Path         string
	OriginalName string
	Size         int64
	Pages        int
}

// Stem は成果物名に使える安全な基底名を返します。
func (u *Upload) Stem() string {
	return storage.SafeStem(u.OriginalName)
}

// Accept はアップロードを UPLOAD_DIR に保存し、拡張子・内容・サイズ・ページ数を検証します。
// 検証に失敗した場合は保存したファイルを削除して *Error を返します。
func (s *Service) Accept(ctx context.Context, file *multipart.FileHeader) (_ *Upload, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if file == nil {
		return nil, newError(CodeInvalidInput, "Please upload a PDF file.", nil)
	}
	if !strings.EqualFold(filepath.Ext(file.Filename), ".pdf") {
		return nil, newError(CodeInvalidInput, "Please upload a PDF file.", nil)
	}

	path, err := s.opts.Storage.SaveMultipart(ctx, file, s.opts.Storage.UploadDir, s.opts.MaxUploadSize)
	if err != nil {
		if errors.Is(err, storage.ErrTooLarge) {
			return nil, newError(CodeLimitExceeded, fmt.Sprintf("ファイルサイズは %dMB 以下にしてください。", s.opts.MaxUploadSize>>20), nil)
		}
		return nil, fmt.Errorf("アップロードの保存に失敗しました: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("ファイル形式の判定に失敗しました: %w", err)
	}
	if !mtype.Is("application/pdf") {
		return nil, newError(CodeInvalidInput, "Please upload a PDF file.", nil)
	}

	pages, err := s.countPages(path)
	if err != nil {
		return nil, newError(CodeUnsupportedPDF, "PDFを読み込めませんでした。", err)
	}
	if pages > s.opts.MaxPages {
		return nil, newError(CodeLimitExceeded, fmt.Sprintf("ページ数は %d ページ以下にしてください。", s.opts.MaxPages), nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("アップロードの確認に失敗しました: %w", err)
	}

	return &Upload{
		Path:         path,
		OriginalName: filepath.Base(file.Filename),
		Size:         info.Size(),
		Pages:        pages,
	}, nil
}

// Discard はジョブに渡せなかったアップロードを削除します。
func (s *Service) Discard(u *Upload) {
	if u == nil {
		return
	}
	if err := os.Remove(u.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.opts.Logger.WithError(err).WithField("path", u.Path).Warn("failed to discard upload")
	}
}
