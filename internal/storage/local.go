// Package storage は成果物とアップロードファイルのローカル保存を扱います。
//
// 出力ファイルは常にランダムな識別子を含む名前で作成するため、
// 複数のワーカーが同じパスへ書き込むことはありません。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DefaultChunkSize はアップロード保存やストリーミング時の既定チャンクサイズです。
const DefaultChunkSize = 1024 * 1024

// ErrTooLarge はアップロードが上限サイズを超えた場合に返されます。
var ErrTooLarge = errors.New("upload exceeds size limit")

// Local はローカルファイルシステム上の出力ディレクトリ群です。
type Local struct {
	DownloadDir string
	UploadDir   string
	ConvertDir  string
	ChunkSize   int
}

// NewLocal は Local を作成します。
func NewLocal(downloadDir, uploadDir, convertDir string, chunkSize int) *Local {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Local{
		DownloadDir: downloadDir,
		UploadDir:   uploadDir,
		ConvertDir:  convertDir,
		ChunkSize:   chunkSize,
	}
}

// EnsureDirs は全ての出力ディレクトリを作成します。
func (l *Local) EnsureDirs() error {
	for _, dir := range []string{l.DownloadDir, l.UploadDir, l.ConvertDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// NewPath は dir 配下に衝突しない一意なファイルパスを返します。
func (l *Local) NewPath(dir, ext string) string {
	return filepath.Join(dir, UniqueName(ext))
}

// UniqueName はランダムな識別子に小文字化した拡張子を付けた名前を返します。
func UniqueName(ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ToLower(ext)
}

// SaveMultipart はアップロードされたファイルをチャンク単位で dir に保存し、保存先パスを返します。
// maxSize が正の値の場合、それを超えるとファイルを削除して ErrTooLarge を返します。
func (l *Local) SaveMultipart(ctx context.Context, header *multipart.FileHeader, dir string, maxSize int64) (_ string, err error) {
	if header == nil {
		return "", fmt.Errorf("file header is nil")
	}
	if maxSize > 0 && header.Size > maxSize {
		return "", ErrTooLarge
	}

	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open upload: %w", err)
	}
	defer src.Close()

	path := l.NewPath(dir, filepath.Ext(header.Filename))
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer func() {
		if cerr := dst.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	var reader io.Reader = src
	if maxSize > 0 {
		reader = io.LimitReader(src, maxSize+1)
	}

	buf := make([]byte, l.ChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, readErr := reader.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("failed to write upload: %w", err)
			}
			written += int64(n)
			if maxSize > 0 && written > maxSize {
				return "", ErrTooLarge
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("failed to read upload: %w", readErr)
		}
	}

	return path, nil
}
