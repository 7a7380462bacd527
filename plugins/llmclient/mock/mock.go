package mock

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"tokenracer/pkg/contract"
)

// Options: 无网络联调用的确定性赛道流。
type Options struct {
	// APIKey: 仅用于限流分组（调试用），不参与任何网络请求。
	APIKey string `json:"api_key"`
	// Width: 行宽（不含框线），默认 24。
	Width int `json:"width"`
	// SegmentRows: 每次请求产出的行数，默认 8。
	SegmentRows int `json:"segment_rows"`
	// ChunkSize: 每块字节数，默认 7（故意不与行宽对齐，覆盖跨块拼接）。
	ChunkSize int `json:"chunk_size"`
	// DelayMS: 块间延迟（毫秒）。
	DelayMS int `json:"delay_ms"`
	// Rows: 脚本化的行内容（不含框线），循环使用；为空时按固定图案生成。
	Rows []string `json:"rows,omitempty"`
	// Preamble: 每次响应前附加的文字（模拟模型的多余说明与代码围栏）。
	Preamble string `json:"preamble,omitempty"`
}

func (o *Options) defaults() {
	if o.Width <= 0 {
		o.Width = 24
	}
	if o.SegmentRows <= 0 {
		o.SegmentRows = 8
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 7
	}
}

type Client struct {
	opts  Options
	rows  atomic.Int64
	calls atomic.Int64
}

// New 从原样 JSON 构造（宽松解析）。
func New(raw json.RawMessage) (contract.LLMStreamer, error) {
	var o Options
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &o)
	}
	return NewClient(o), nil
}

// NewClient 以结构化选项构造。
func NewClient(o Options) *Client {
	o.defaults()
	return &Client{opts: o}
}

// Calls 已发起的 InvokeStream 次数。
func (c *Client) Calls() int64 { return c.calls.Load() }

// Segment 生成下一段文本（每行 "|...|\n"）。
func (c *Client) Segment() string {
	var sb strings.Builder
	sb.WriteString(c.opts.Preamble)
	for i := 0; i < c.opts.SegmentRows; i++ {
		k := c.rows.Add(1) - 1
		sb.WriteByte('|')
		sb.WriteString(c.row(k))
		sb.WriteString("|\n")
	}
	return sb.String()
}

func (c *Client) row(k int64) string {
	if len(c.opts.Rows) > 0 {
		return c.opts.Rows[int(k%int64(len(c.opts.Rows)))]
	}
	w := c.opts.Width
	b := []byte(strings.Repeat(" ", w))
	if k%3 == 0 && w > 2 {
		// 每三行一个障碍，位置按固定步长游走，且避开中心车道
		pos := int(k*5) % w
		if pos == w/2 {
			pos = (pos + 1) % w
		}
		b[pos] = contract.ObstacleGlyphs[int(k)%len(contract.ObstacleGlyphs)]
	}
	return string(b)
}

// InvokeStream 忽略 Prompt 内容，返回按块切分的确定性文本。
func (c *Client) InvokeStream(ctx context.Context, _ contract.Prompt) (contract.RawStream, error) {
	c.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return NewTextStream(ctx, c.Segment(), c.opts.ChunkSize, time.Duration(c.opts.DelayMS)*time.Millisecond), nil
}

// NewTextStream 将 text 按 chunk 字节切块，块间等待 delay；ctx 结束后 Next 立即返回 ctx 错误。
func NewTextStream(ctx context.Context, text string, chunk int, delay time.Duration) contract.RawStream {
	if chunk <= 0 {
		chunk = len(text)
	}
	return &textStream{ctx: ctx, text: text, chunk: chunk, delay: delay}
}

type textStream struct {
	ctx    context.Context
	text   string
	off    int
	chunk  int
	delay  time.Duration
	closed atomic.Bool
}

func (s *textStream) Next() (string, bool, error) {
	if s.closed.Load() {
		return "", false, context.Canceled
	}
	if s.delay > 0 && s.off < len(s.text) {
		t := time.NewTimer(s.delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return "", false, s.ctx.Err()
		case <-t.C:
		}
	}
	if err := s.ctx.Err(); err != nil {
		return "", false, err
	}
	if s.off >= len(s.text) {
		return "", true, nil
	}
	end := min(s.off+s.chunk, len(s.text))
	out := s.text[s.off:end]
	s.off = end
	return out, false, nil
}

func (s *textStream) Close() error {
	s.closed.Store(true)
	return nil
}

var _ contract.LLMStreamer = (*Client)(nil)
