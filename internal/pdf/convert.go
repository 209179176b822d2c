package pdf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/yourusername/media-forge/internal/cleanup"
	"github.com/yourusername/media-forge/internal/storage"
)

var errNoOutput = errors.New("converter produced no output")

// Convert は upload を kind に変換し、processID のジョブに結果を記録します。
// アップロードは成否に関わらず InputTTL 後に、成果物は ArtifactTTL 後に削除されます。
func (s *Service) Convert(ctx context.Context, kind Kind, upload *Upload, processID string) error {
	defer s.opts.Cleaner.Schedule(upload.Path, s.opts.InputTTL)

	if err := s.opts.Tracker.Start(ctx, processID); err != nil {
		return err
	}
	s.reportProgress(ctx, processID, 10)

	convertDir := s.opts.Storage.ConvertDir
	if err := os.MkdirAll(convertDir, 0o755); err != nil {
		return fmt.Errorf("failed to prepare output dir: %w", err)
	}
	name := upload.Stem() + "_" + storage.UniqueName(kind.Ext())
	outputPath := filepath.Join(convertDir, name)

	var err error
	switch kind {
	case KindImage:
		err = s.convertPages(ctx, upload, outputPath, processID)
	case KindExcel:
		err = s.convertTables(ctx, upload, outputPath, processID)
	case KindWord:
		err = s.convertWithCommand(ctx, upload, outputPath)
	default:
		return fmt.Errorf("unsupported conversion: %s", kind)
	}
	if err != nil {
		if rmErr := cleanup.RemoveIfExists(outputPath); rmErr != nil {
			s.opts.Logger.WithError(rmErr).WithField("path", outputPath).Warn("failed to remove partial output")
		}
		var convErr *Error
		if errors.As(err, &convErr) {
			return err
		}
		return newError(CodeConversionFailed, "Failed to convert PDF", err)
	}

	s.reportProgress(ctx, processID, 90)
	if err := s.opts.Tracker.Complete(ctx, processID, outputPath, name); err != nil {
		return fmt.Errorf("failed to record completion: %w", err)
	}
	s.opts.Cleaner.Schedule(outputPath, s.opts.ArtifactTTL)
	return nil
}

// convertWithCommand は作業ディレクトリに soffice で docx を書き出し、成果物を outputPath に移動します。
func (s *Service) convertWithCommand(ctx context.Context, upload *Upload, outputPath string) error {
	workDir := outputPath + ".work"
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("failed to prepare work dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(workDir)
	}()

	if err := s.opts.Runner.Run(ctx, s.opts.WordCommand, officeArgs(upload.Path, workDir)...); err != nil {
		return err
	}

	base := filepath.Base(upload.Path)
	produced := filepath.Join(workDir, strings.TrimSuffix(base, filepath.Ext(base))+KindWord.Ext())
	if _, err := os.Stat(produced); err != nil {
		return errNoOutput
	}
	if err := os.Rename(produced, outputPath); err != nil {
		return fmt.Errorf("failed to move output: %w", err)
	}
	return nil
}

// convertTables はページごとに表を 1 つ取り出し、1 表 1 シートの xlsx にまとめます。
func (s *Service) convertTables(ctx context.Context, upload *Upload, outputPath, processID string) error {
	contentDir := strings.TrimSuffix(outputPath, filepath.Ext(outputPath))
	if err := os.MkdirAll(contentDir, 0o755); err != nil {
		return fmt.Errorf("failed to prepare content dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(contentDir)
	}()

	if err := s.extractContent(upload.Path, contentDir); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	pages, err := readPageContents(contentDir)
	if err != nil {
		return err
	}
	s.reportProgress(ctx, processID, 50)

	var tables [][][]string
	for _, page := range pages {
		if table := extractTable(parseTextRuns(page.data)); table != nil {
			tables = append(tables, table)
		}
	}
	if len(tables) == 0 {
		return newError(CodeNoContent, "No tables found in PDF.", nil)
	}
	return writeWorkbook(outputPath, tables)
}

// convertPages は Ghostscript で全ページを PNG に描画し、1 つの ZIP にまとめます。
func (s *Service) convertPages(ctx context.Context, upload *Upload, outputPath, processID string) error {
	sessionDir := strings.TrimSuffix(outputPath, filepath.Ext(outputPath))
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return fmt.Errorf("failed to prepare image dir: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(sessionDir)
	}()

	stem := upload.Stem()
	pattern := filepath.Join(sessionDir, stem+"_page_%d.png")
	if err := s.opts.Runner.Run(ctx, s.opts.GhostscriptPath, ghostscriptArgs(pattern, upload.Path)...); err != nil {
		return err
	}
	s.reportProgress(ctx, processID, 60)

	pageName := regexp.MustCompile(`^` + regexp.QuoteMeta(stem) + `_page_(\d+)\.png$`)
	dirEntries, err := os.ReadDir(sessionDir)
	if err != nil {
		return fmt.Errorf("failed to list rendered pages: %w", err)
	}
	type rendered struct {
		page  int
		entry zipEntry
	}
	var pages []rendered
	for _, e := range dirEntries {
		m := pageName.FindStringSubmatch(e.Name())
		if m == nil || !e.Type().IsRegular() {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		pages = append(pages, rendered{page: n, entry: zipEntry{path: filepath.Join(sessionDir, e.Name()), name: e.Name()}})
	}
	if len(pages) == 0 {
		return newError(CodeNoContent, "No pages found in PDF.", nil)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].page < pages[j].page })

	entries := make([]zipEntry, 0, len(pages))
	for _, p := range pages {
		entries = append(entries, p.entry)
	}
	return createZip(outputPath, entries)
}
