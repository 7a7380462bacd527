// Package offline 把本地兜底生成器包装成与远端相同的流式传输，
// 用于无网络运行、演示与测试。
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"tokenracer/internal/track"
	"tokenracer/pkg/contract"
	"tokenracer/plugins/llmclient/mock"
)

// Options: 离线生成参数。
type Options struct {
	Width       int    `json:"width"`        // 默认 24
	Seed        uint64 `json:"seed"`         // 0 表示使用当前时间
	Difficulty  int    `json:"difficulty"`   // 1..5，默认 1
	SegmentRows int    `json:"segment_rows"` // 默认 8
	ChunkSize   int    `json:"chunk_size"`   // 默认 16 字节
	DelayMS     int    `json:"delay_ms"`     // 块间延迟，模拟 token 流速
}

type Client struct {
	mu    sync.Mutex
	gen   *track.Generator
	prev  *contract.RoadRow
	rows  int
	chunk int
	delay time.Duration
}

func New(raw json.RawMessage) (contract.LLMStreamer, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("offline options: %w", err)
		}
	}
	return NewClient(o), nil
}

// NewClient 以结构化选项构造。
func NewClient(o Options) *Client {
	if o.Width <= 0 {
		o.Width = 24
	}
	if o.Seed == 0 {
		o.Seed = uint64(time.Now().UnixNano())
	}
	if o.SegmentRows <= 0 {
		o.SegmentRows = 8
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 16
	}
	g := track.NewGenerator(o.Width, o.Seed)
	g.SetDifficulty(o.Difficulty)
	return &Client{gen: g, rows: o.SegmentRows, chunk: o.ChunkSize, delay: time.Duration(o.DelayMS) * time.Millisecond}
}

// InvokeStream 生成一段兜底行并以文本流返回（每行 "|...|\n"）。
// Prompt 不被解析：生成器以自身上一行保证连续性，难度取构造时的选项。
func (c *Client) InvokeStream(ctx context.Context, _ contract.Prompt) (contract.RawStream, error) {
	return c.segment(ctx, nil, 0)
}

// InvokeSegment 与 InvokeStream 相同，但难度与上一行取自生成上下文：
// 运行中调整的难度立即作用于下一段，赛道与控制器已入队的最后一行衔接。
func (c *Client) InvokeSegment(ctx context.Context, _ contract.Prompt, gc contract.GenerationContext) (contract.RawStream, error) {
	var prev *contract.RoadRow
	if n := len(gc.Rows); n > 0 {
		last := gc.Rows[n-1].Clone()
		prev = &last
	}
	return c.segment(ctx, prev, gc.Difficulty)
}

func (c *Client) segment(ctx context.Context, prev *contract.RoadRow, difficulty int) (contract.RawStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if difficulty > 0 {
		c.gen.SetDifficulty(difficulty)
	}
	if prev == nil {
		prev = c.prev
	}
	var sb strings.Builder
	for _, r := range c.gen.Segment(prev, c.rows) {
		sb.WriteString(r.String())
		sb.WriteByte('\n')
		last := r
		c.prev = &last
	}
	c.mu.Unlock()
	return mock.NewTextStream(ctx, sb.String(), c.chunk, c.delay), nil
}

var (
	_ contract.LLMStreamer     = (*Client)(nil)
	_ contract.ContextStreamer = (*Client)(nil)
)
