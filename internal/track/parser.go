package track

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"tokenracer/internal/diag"
	"tokenracer/pkg/contract"
)

// Parser: 将流式文本增量解析为固定宽度的道路行。
// 行跨块时在内部缓存；输出只取决于字节序列本身，与分块方式无关。
// 解析错误从不上抛：不合法单元被丢弃（可选以中性行填充），宽度问题就地修正并记账。
type Parser struct {
	width int
	// PadMalformed: 丢弃不合法单元时以中性空行补位，保证画面不断裂。
	PadMalformed bool

	partial    []byte
	discarding bool
	st         ParserStats
	log        *diag.Logger
}

// ParserStats: 解析计数。
type ParserStats struct {
	Rows      int64 // 产出的行（含补位行）
	Dropped   int64 // 丢弃的不合法单元
	Corrected int64 // 经过修正的行（未知字形/宽度/不可通行）
	Padded    int64 // 补位的中性行
}

// NewParser 构造宽度为 width 的解析器（PadMalformed 默认开启）。
func NewParser(width int, log *diag.Logger) *Parser {
	if width < 1 {
		width = 1
	}
	return &Parser{width: width, PadMalformed: true, log: log}
}

// maxLine: 超出该字节数的未完成行直接丢弃至下一个换行。
func (p *Parser) maxLine() int { return 4*p.width + 64 }

// Feed 喂入一个文本块，返回其间完成的行。
func (p *Parser) Feed(chunk string) []contract.RoadRow {
	var out []contract.RoadRow
	for i := 0; i < len(chunk); i++ {
		c := chunk[i]
		switch {
		case c == '\r':
			continue
		case p.discarding:
			if c == '\n' {
				p.discarding = false
			}
		case c == '\n':
			out = p.line(out, string(p.partial))
			p.partial = p.partial[:0]
		default:
			p.partial = append(p.partial, c)
			if len(p.partial) > p.maxLine() {
				p.partial = p.partial[:0]
				p.discarding = true
				out = p.malformed(out, "line exceeds limit")
			}
		}
	}
	return out
}

// Flush 在流结束时处理末尾未换行的内容，并重置内部状态。
func (p *Parser) Flush() []contract.RoadRow {
	var out []contract.RoadRow
	if !p.discarding && len(p.partial) > 0 {
		out = p.line(out, string(p.partial))
	}
	p.partial = p.partial[:0]
	p.discarding = false
	return out
}

// Stats 返回计数快照。
func (p *Parser) Stats() ParserStats { return p.st }

func (p *Parser) malformed(out []contract.RoadRow, why string) []contract.RoadRow {
	p.st.Dropped++
	p.log.Degrade("parser", string(diag.CodeParse), why, 1)
	diag.IncError("parser", string(diag.CodeParse))
	if !p.PadMalformed {
		return out
	}
	p.st.Padded++
	p.st.Rows++
	return append(out, contract.NeutralRow(p.width))
}

func (p *Parser) line(out []contract.RoadRow, raw string) []contract.RoadRow {
	s := strings.TrimLeft(raw, " \t")
	trimmed := strings.TrimRight(s, " \t")
	if trimmed == "" || strings.HasPrefix(trimmed, "```") {
		return out
	}
	// 行尾空白仅在闭合框线之外时去除；未闭合行的尾部空格是路面
	if len(trimmed) > 1 && strings.HasSuffix(trimmed, string(contract.CellBoundary)) {
		s = trimmed
	}
	if s[0] != byte(contract.CellBoundary) {
		return p.malformed(out, "unframed line")
	}
	row, fixed := p.decode(s[1:])
	if fixed {
		p.st.Corrected++
		p.log.Degrade("parser", "correct", fmt.Sprintf("row corrected (len=%d)", utf8.RuneCountInString(s)-1), 1)
	}
	p.st.Rows++
	return append(out, row)
}

// decode 解析框线内部内容；返回是否发生修正。
func (p *Parser) decode(inner string) (contract.RoadRow, bool) {
	if strings.HasSuffix(inner, string(contract.CellBoundary)) {
		inner = inner[:len(inner)-1]
	}
	cells := make([]contract.Cell, 0, p.width)
	fixed := false
	for _, r := range inner {
		if len(cells) == p.width {
			fixed = true
			break
		}
		switch {
		case r == ' ':
			cells = append(cells, contract.CellEmpty)
		case r == '[', r == ']', r == '|', contract.IsObstacleGlyph(r):
			cells = append(cells, contract.Cell(r))
		default:
			cells = append(cells, contract.CellObstacle)
			fixed = true
		}
	}
	for len(cells) < p.width {
		cells = append(cells, contract.CellBoundary)
		fixed = true
	}
	row := contract.RoadRow{Cells: cells, Source: contract.SourceRemote}
	if row.Traversable() == 0 {
		cells[p.width/2] = contract.CellEmpty
		fixed = true
	}
	return row, fixed
}
