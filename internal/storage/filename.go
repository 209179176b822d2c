package storage

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const fallbackStem = "file"

// AsciiFilename はファイル名を HTTP ヘッダーとファイルシステムで安全に扱える ASCII 文字列へ変換します。
// NFKD で分解した後に非 ASCII 文字を落とし、[A-Za-z0-9._-] 以外を "_" に置き換えます。
// 名前部分が空になった場合は "file" を補います。
func AsciiFilename(name string) string {
	decomposed := norm.NFKD.String(name)

	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if r >= utf8.RuneSelf {
			continue
		}
		if isSafeByte(byte(r)) {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}

	out := b.String()
	if out == filepath.Ext(out) {
		return fallbackStem + out
	}
	return out
}

func isSafeByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '.', c == '_', c == '-':
		return true
	default:
		return false
	}
}

// SafeStem は派生ファイル用に拡張子を除いたサニタイズ済みの名前を返します。
func SafeStem(name string) string {
	base := filepath.Base(name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	sanitized := AsciiFilename(stem)
	if sanitized == "" || sanitized == "." {
		return fallbackStem
	}
	return sanitized
}
