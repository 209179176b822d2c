package pdf

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// 画像化するときの解像度 (dpi)。
const renderResolution = 72

// CommandRunner は外部コマンドを実行します。
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner は os/exec でコマンドを実行し、失敗時は出力をエラーに含めます。
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(output.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// officeArgs は PDF を Writer で開いて docx に書き出す soffice の引数を組み立てます。
func officeArgs(inputPath, outDir string) []string {
	return []string{
		"--headless",
		"--infilter=writer_pdf_import",
		"--convert-to", strings.TrimPrefix(KindWord.Ext(), "."),
		"--outdir", outDir,
		inputPath,
	}
}

// ghostscriptArgs は全ページを PNG に描画する Ghostscript の引数を組み立てます。
// outputPattern には %d (ページ番号) を含めます。
func ghostscriptArgs(outputPattern, inputPath string) []string {
	return []string{
		"-sDEVICE=png16m",
		"-dNOPAUSE",
		"-dQUIET",
		"-dBATCH",
		"-dSAFER",
		fmt.Sprintf("-r%d", renderResolution),
		fmt.Sprintf("-sOutputFile=%s", outputPattern),
		inputPath,
	}
}
