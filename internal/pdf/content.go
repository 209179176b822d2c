package pdf

import (
	"bytes"
	"strconv"
	"strings"
	"unicode/utf16"
)

// textRun はページ上で 1 回分描画された文字列です。座標は PDF のユーザー空間（左下原点）です。
type textRun struct {
	X, Y float64
	Text string
}

// TJ 配列内でこの値 (1/1000 em) 以上左に詰める調整は単語区切りとみなす。
const wordGapThreshold = 250

type matrix [6]float64

var identity = matrix{1, 0, 0, 1, 0, 0}

func translate(tx, ty float64) matrix {
	return matrix{1, 0, 0, 1, tx, ty}
}

// multiply は m × n を返します。
func (m matrix) multiply(n matrix) matrix {
	return matrix{
		m[0]*n[0] + m[1]*n[2],
		m[0]*n[1] + m[1]*n[3],
		m[2]*n[0] + m[3]*n[2],
		m[2]*n[1] + m[3]*n[3],
		m[4]*n[0] + m[5]*n[2] + n[4],
		m[4]*n[1] + m[5]*n[3] + n[5],
	}
}

type pdfName string

type pdfString struct {
	raw []byte
	hex bool
}

// textExtractor はページのコンテンツストリームを解釈し、文字列の描画位置を集めます。
// フォントの字幅は見ないため、位置指定を挟まずに続く描画は直前の文字列に連結します。
type textExtractor struct {
	ctm     matrix
	saved   []matrix
	tm      matrix
	tlm     matrix
	leading float64
	runs    []textRun
	joined  bool
}

// parseTextRuns は 1 ページ分のコンテンツストリームから文字列を取り出します。
func parseTextRuns(content []byte) []textRun {
	e := &textExtractor{ctm: identity, tm: identity, tlm: identity}
	lx := &contentLexer{data: content}

	var operands []any
	for {
		tok, ok := lx.next()
		if !ok {
			break
		}
		op, isOp := tok.(operator)
		if !isOp {
			operands = append(operands, tok)
			continue
		}
		if op == "ID" {
			lx.skipInlineImage()
		}
		e.apply(string(op), operands)
		operands = operands[:0]
	}
	return e.runs
}

func (e *textExtractor) apply(op string, args []any) {
	switch op {
	case "q":
		e.saved = append(e.saved, e.ctm)
	case "Q":
		if n := len(e.saved); n > 0 {
			e.ctm = e.saved[n-1]
			e.saved = e.saved[:n-1]
		}
	case "cm":
		if m, ok := matrixOperand(args); ok {
			e.ctm = m.multiply(e.ctm)
		}
	case "BT":
		e.tm, e.tlm = identity, identity
		e.joined = false
	case "ET":
		e.joined = false
	case "Tm":
		if m, ok := matrixOperand(args); ok {
			e.tm, e.tlm = m, m
			e.joined = false
		}
	case "Td", "TD":
		nums := numbers(args)
		if len(nums) < 2 {
			return
		}
		if op == "TD" {
			e.leading = -nums[1]
		}
		e.moveLine(nums[0], nums[1])
	case "TL":
		if nums := numbers(args); len(nums) == 1 {
			e.leading = nums[0]
		}
	case "T*":
		e.moveLine(0, -e.leading)
	case "Tj":
		if s, ok := lastString(args); ok {
			e.show(decodeText(s))
		}
	case "'", "\"":
		e.moveLine(0, -e.leading)
		if s, ok := lastString(args); ok {
			e.show(decodeText(s))
		}
	case "TJ":
		if len(args) == 0 {
			return
		}
		if arr, ok := args[len(args)-1].([]any); ok {
			e.show(arrayText(arr))
		}
	}
}

func (e *textExtractor) moveLine(tx, ty float64) {
	e.tlm = translate(tx, ty).multiply(e.tlm)
	e.tm = e.tlm
	e.joined = false
}

func (e *textExtractor) show(text string) {
	if e.joined && len(e.runs) > 0 {
		e.runs[len(e.runs)-1].Text += text
		return
	}
	p := e.tm.multiply(e.ctm)
	e.runs = append(e.runs, textRun{X: p[4], Y: p[5], Text: text})
	e.joined = true
}

func arrayText(arr []any) string {
	var b strings.Builder
	for _, item := range arr {
		switch v := item.(type) {
		case pdfString:
			b.WriteString(decodeText(v))
		case float64:
			if v <= -wordGapThreshold {
				b.WriteByte(' ')
			}
		}
	}
	return b.String()
}

// decodeText は文字列オペランドを Go の文字列に変換します。
// BOM 付き UTF-16BE と上位バイトが 0 の 2 バイトコードを扱い、それ以外は Latin-1 として読みます。
func decodeText(s pdfString) string {
	raw := s.raw
	if len(raw) >= 2 && raw[0] == 0xFE && raw[1] == 0xFF {
		units := make([]uint16, 0, len(raw)/2)
		for i := 2; i+1 < len(raw); i += 2 {
			units = append(units, uint16(raw[i])<<8|uint16(raw[i+1]))
		}
		return string(utf16.Decode(units))
	}
	if s.hex && len(raw)%2 == 0 && len(raw) > 0 && highBytesZero(raw) {
		out := make([]rune, 0, len(raw)/2)
		for i := 1; i < len(raw); i += 2 {
			out = append(out, rune(raw[i]))
		}
		return string(out)
	}
	out := make([]rune, 0, len(raw))
	for _, c := range raw {
		out = append(out, rune(c))
	}
	return string(out)
}

func highBytesZero(raw []byte) bool {
	for i := 0; i < len(raw); i += 2 {
		if raw[i] != 0 {
			return false
		}
	}
	return true
}

func numbers(args []any) []float64 {
	nums := make([]float64, 0, len(args))
	for _, a := range args {
		if f, ok := a.(float64); ok {
			nums = append(nums, f)
		}
	}
	return nums
}

func matrixOperand(args []any) (matrix, bool) {
	nums := numbers(args)
	if len(nums) < 6 {
		return matrix{}, false
	}
	var m matrix
	copy(m[:], nums[len(nums)-6:])
	return m, true
}

func lastString(args []any) (pdfString, bool) {
	if len(args) == 0 {
		return pdfString{}, false
	}
	s, ok := args[len(args)-1].(pdfString)
	return s, ok
}

type operator string

// contentLexer はコンテンツストリームのトークナイザーです。
// 辞書オペランドは中身を読まずに nil として返します。
type contentLexer struct {
	data []byte
	pos  int
}

func isWhitespace(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '\f', 0:
		return true
	}
	return false
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func (l *contentLexer) skipSpace() {
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		if isWhitespace(c) {
			l.pos++
			continue
		}
		if c == '%' {
			for l.pos < len(l.data) && l.data[l.pos] != '\n' && l.data[l.pos] != '\r' {
				l.pos++
			}
			continue
		}
		return
	}
}

func (l *contentLexer) next() (any, bool) {
	l.skipSpace()
	if l.pos >= len(l.data) {
		return nil, false
	}
	c := l.data[l.pos]
	switch {
	case c == '(':
		l.pos++
		return pdfString{raw: l.literal()}, true
	case c == '<' && l.peek(1) == '<':
		l.skipDict()
		return nil, true
	case c == '<':
		l.pos++
		return pdfString{raw: l.hexString(), hex: true}, true
	case c == '[':
		l.pos++
		return l.array(), true
	case c == '/':
		l.pos++
		return pdfName(l.word()), true
	case c == ']' || c == ')' || c == '>' || c == '{' || c == '}':
		l.pos++
		return l.next()
	}

	w := l.word()
	if w == "" {
		l.pos++
		return l.next()
	}
	if f, err := strconv.ParseFloat(w, 64); err == nil {
		return f, true
	}
	return operator(w), true
}

func (l *contentLexer) peek(offset int) byte {
	if l.pos+offset < len(l.data) {
		return l.data[l.pos+offset]
	}
	return 0
}

func (l *contentLexer) word() string {
	start := l.pos
	for l.pos < len(l.data) && !isWhitespace(l.data[l.pos]) && !isDelimiter(l.data[l.pos]) {
		l.pos++
	}
	return string(l.data[start:l.pos])
}

func (l *contentLexer) literal() []byte {
	var out []byte
	depth := 1
	for l.pos < len(l.data) {
		c := l.data[l.pos]
		l.pos++
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return out
			}
		case '\\':
			if l.pos >= len(l.data) {
				return out
			}
			e := l.data[l.pos]
			l.pos++
			switch e {
			case 'n':
				c = '\n'
			case 'r':
				c = '\r'
			case 't':
				c = '\t'
			case 'b':
				c = '\b'
			case 'f':
				c = '\f'
			case '\r':
				if l.peek(0) == '\n' {
					l.pos++
				}
				continue
			case '\n':
				continue
			default:
				if e >= '0' && e <= '7' {
					v := int(e - '0')
					for i := 0; i < 2 && l.pos < len(l.data) && l.data[l.pos] >= '0' && l.data[l.pos] <= '7'; i++ {
						v = v*8 + int(l.data[l.pos]-'0')
						l.pos++
					}
					c = byte(v)
				} else {
					c = e
				}
			}
		}
		out = append(out, c)
	}
	return out
}

func (l *contentLexer) hexString() []byte {
	var digits []byte
	for l.pos < len(l.data) && l.data[l.pos] != '>' {
		if c := l.data[l.pos]; !isWhitespace(c) {
			digits = append(digits, c)
		}
		l.pos++
	}
	l.pos++
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	out := make([]byte, 0, len(digits)/2)
	for i := 0; i+1 < len(digits); i += 2 {
		v, err := strconv.ParseUint(string(digits[i:i+2]), 16, 8)
		if err != nil {
			return out
		}
		out = append(out, byte(v))
	}
	return out
}

func (l *contentLexer) array() []any {
	var items []any
	for {
		l.skipSpace()
		if l.pos >= len(l.data) {
			return items
		}
		if l.data[l.pos] == ']' {
			l.pos++
			return items
		}
		tok, ok := l.next()
		if !ok {
			return items
		}
		items = append(items, tok)
	}
}

func (l *contentLexer) skipDict() {
	depth := 0
	for l.pos < len(l.data) {
		switch {
		case l.data[l.pos] == '<' && l.peek(1) == '<':
			depth++
			l.pos += 2
		case l.data[l.pos] == '>' && l.peek(1) == '>':
			depth--
			l.pos += 2
			if depth == 0 {
				return
			}
		case l.data[l.pos] == '(':
			l.pos++
			l.literal()
		default:
			l.pos++
		}
	}
}

// skipInlineImage は ID の後ろのバイナリデータを EI まで読み飛ばします。
func (l *contentLexer) skipInlineImage() {
	if l.pos < len(l.data) {
		l.pos++
	}
	idx := l.pos
	for {
		i := bytes.Index(l.data[idx:], []byte("EI"))
		if i < 0 {
			l.pos = len(l.data)
			return
		}
		at := idx + i
		before := at == 0 || isWhitespace(l.data[at-1])
		after := at+2 >= len(l.data) || isWhitespace(l.data[at+2])
		if before && after {
			l.pos = at + 2
			return
		}
		idx = at + 2
	}
}
