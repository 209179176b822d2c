package pdf

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// 行・列をまとめるときの許容誤差（ポイント）。
const (
	rowTolerance    = 2.0
	columnTolerance = 4.0
)

// pdfcpu が書き出すページごとのコンテンツファイル名の末尾（..._page_3.txt など）。
var contentPageSuffix = regexp.MustCompile(`(\d+)\.txt$`)

// pageContent は 1 ページ分のコンテンツストリームです。
type pageContent struct {
	page int
	data []byte
}

// readPageContents は dir に書き出されたコンテンツファイルをページ順に読み込みます。
func readPageContents(dir string) ([]pageContent, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list page contents: %w", err)
	}
	var pages []pageContent
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		m := contentPageSuffix.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		page, _ := strconv.Atoi(m[1])
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read page content: %w", err)
		}
		pages = append(pages, pageContent{page: page, data: data})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].page < pages[j].page })
	return pages, nil
}

// extractTable はページ内の文字列から最も行数の多い表を取り出します。
// 2 セル以上の行が 2 行以上連続した範囲を表とみなし、見つからなければ nil を返します。
func extractTable(runs []textRun) [][]string {
	rows := groupRows(runs)

	bestStart, bestLen := 0, 0
	for i := 0; i < len(rows); {
		if len(rows[i]) < 2 {
			i++
			continue
		}
		j := i
		for j < len(rows) && len(rows[j]) >= 2 {
			j++
		}
		if j-i > bestLen {
			bestStart, bestLen = i, j-i
		}
		i = j
	}
	if bestLen < 2 {
		return nil
	}
	block := rows[bestStart : bestStart+bestLen]

	anchors := columnAnchors(block)
	table := make([][]string, 0, len(block))
	for _, row := range block {
		cells := make([]string, len(anchors))
		for _, run := range row {
			col := sort.Search(len(anchors), func(k int) bool { return anchors[k] > run.X+1e-9 }) - 1
			if col < 0 {
				col = 0
			}
			if cells[col] == "" {
				cells[col] = run.Text
			} else {
				cells[col] += " " + run.Text
			}
		}
		table = append(table, cells)
	}
	return table
}

// groupRows は文字列を上から順に行へまとめ、各行を左から並べます。
func groupRows(runs []textRun) [][]textRun {
	cleaned := make([]textRun, 0, len(runs))
	for _, r := range runs {
		if text := strings.TrimSpace(r.Text); text != "" {
			r.Text = text
			cleaned = append(cleaned, r)
		}
	}
	sort.SliceStable(cleaned, func(i, j int) bool { return cleaned[i].Y > cleaned[j].Y })

	var rows [][]textRun
	var rowY float64
	for _, r := range cleaned {
		if len(rows) == 0 || math.Abs(r.Y-rowY) > rowTolerance {
			rows = append(rows, nil)
			rowY = r.Y
		}
		rows[len(rows)-1] = append(rows[len(rows)-1], r)
	}
	for _, row := range rows {
		sort.SliceStable(row, func(i, j int) bool { return row[i].X < row[j].X })
	}
	return rows
}

// columnAnchors は表の範囲に現れる x 座標を列ごとにまとめ、各列の左端を返します。
func columnAnchors(block [][]textRun) []float64 {
	var xs []float64
	for _, row := range block {
		for _, r := range row {
			xs = append(xs, r.X)
		}
	}
	sort.Float64s(xs)

	var anchors []float64
	for _, x := range xs {
		if len(anchors) == 0 || x-anchors[len(anchors)-1] > columnTolerance {
			anchors = append(anchors, x)
		}
	}
	return anchors
}

// writeWorkbook は表ごとに Sheet1, Sheet2, ... を作成して path に保存します。
// 先頭行は見出しとしてそのまま書き込みます。
func writeWorkbook(path string, tables [][][]string) error {
	f := excelize.NewFile()
	defer f.Close()

	for i, table := range tables {
		sheet := fmt.Sprintf("Sheet%d", i+1)
		if i > 0 {
			if _, err := f.NewSheet(sheet); err != nil {
				return fmt.Errorf("failed to add sheet: %w", err)
			}
		}
		for r, row := range table {
			values := make([]any, len(row))
			for c, v := range row {
				values[c] = v
			}
			cell, err := excelize.CoordinatesToCellName(1, r+1)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(sheet, cell, &values); err != nil {
				return fmt.Errorf("failed to write row: %w", err)
			}
		}
	}
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}
