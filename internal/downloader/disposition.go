package downloader

import (
	"mime"
	"net/url"
	"path/filepath"
	"strings"
)

// FilenameFromDisposition は Content-Disposition ヘッダーからファイル名を取り出します。
// filename* (RFC 5987) を優先し、無ければ filename を使います。見つからなければ空文字を返します。
func FilenameFromDisposition(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}

	if _, params, err := mime.ParseMediaType(header); err == nil {
		// ParseMediaType は filename* をデコードして filename に格納する
		if name := params["filename"]; name != "" {
			return cleanName(name)
		}
	}
	return cleanName(parseDispositionLoosely(header))
}

// parseDispositionLoosely は ParseMediaType が受け付けない崩れたヘッダー向けの簡易パーサーです。
func parseDispositionLoosely(header string) string {
	var plain string
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "filename*":
			encoded := value
			if _, rest, found := strings.Cut(value, "''"); found {
				encoded = rest
			}
			if decoded, err := url.PathUnescape(encoded); err == nil {
				return decoded
			}
			return encoded
		case "filename":
			if plain == "" {
				plain = value
			}
		}
	}
	return plain
}

// cleanName はディレクトリ成分を取り除きます。
func cleanName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, `\`, "/"))
	if name == "" {
		return ""
	}
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}
