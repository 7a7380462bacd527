package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"tokenracer/pkg/contract"
	"tokenracer/plugins/llmclient/mock"
)

// Options: 前 FailFirst 次调用失败，之后与 mock 一致。
type Options struct {
	mock.Options
	// FailFirst: 失败的调用次数，默认 2；<0 表示永远失败。
	FailFirst int `json:"fail_first"`
	// Mode: 失败方式
	//   - "error": 立即返回上游 503；
	//   - "hang":  不返回任何数据，直到 ctx 结束（模拟整体超时）；
	//   - "stall": 先返回一行，再停住直到 ctx 结束（模拟单块超时）。
	Mode string `json:"mode"`
}

// Client 是带状态的故障注入传输。
type Client struct {
	inner     *mock.Client
	failFirst int64
	mode      string
	count     atomic.Int64
}

// New 构造 Client。
func New(raw json.RawMessage) (contract.LLMStreamer, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("flaky options: %w", err)
		}
	}
	if o.FailFirst == 0 {
		o.FailFirst = 2
	}
	return NewClient(o)
}

// NewClient 以结构化选项构造。
func NewClient(o Options) (*Client, error) {
	mode := strings.ToLower(strings.TrimSpace(o.Mode))
	switch mode {
	case "":
		mode = "error"
	case "error", "hang", "stall":
	default:
		return nil, fmt.Errorf("flaky: %w: unknown mode %q", contract.ErrInvalidInput, o.Mode)
	}
	return &Client{inner: mock.NewClient(o.Options), failFirst: int64(o.FailFirst), mode: mode}, nil
}

// Calls 已发起的调用次数。
func (c *Client) Calls() int64 { return c.count.Load() }

// unavailable 模拟上游 503（实现 net.Error 与 contract.UpstreamError）。
type unavailable struct{ call int64 }

func (e unavailable) Error() string           { return fmt.Sprintf("flaky upstream 503: call %d", e.call) }
func (e unavailable) Timeout() bool           { return false }
func (e unavailable) Temporary() bool         { return true }
func (e unavailable) UpstreamStatus() int     { return 503 }
func (e unavailable) UpstreamMessage() string { return "service unavailable" }

// InvokeStream 实现 contract.LLMStreamer。
func (c *Client) InvokeStream(ctx context.Context, p contract.Prompt) (contract.RawStream, error) {
	n := c.count.Add(1)
	if c.failFirst >= 0 && n > c.failFirst {
		return c.inner.InvokeStream(ctx, p)
	}
	switch c.mode {
	case "hang":
		<-ctx.Done()
		return nil, ctx.Err()
	case "stall":
		seg := c.inner.Segment()
		first, _, _ := strings.Cut(seg, "\n")
		return &stallStream{ctx: ctx, first: first + "\n"}, nil
	default:
		return nil, unavailable{call: n}
	}
}

type stallStream struct {
	ctx   context.Context
	first string
	sent  bool
}

func (s *stallStream) Next() (string, bool, error) {
	if !s.sent {
		s.sent = true
		return s.first, false, nil
	}
	<-s.ctx.Done()
	return "", false, s.ctx.Err()
}

func (s *stallStream) Close() error { return nil }

var _ contract.LLMStreamer = (*Client)(nil)
var _ contract.UpstreamError = unavailable{}
