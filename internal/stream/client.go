// Package stream 实现赛道请求客户端：在传输层之上施加超时、限流与错误归类。
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tokenracer/internal/diag"
	"tokenracer/internal/prompt"
	"tokenracer/internal/rate"
	"tokenracer/pkg/contract"
)

// Options: 客户端参数。零值超时表示不启用该维度。
type Options struct {
	ChunkTimeout time.Duration // 相邻两块（含首块）之间的最长间隔
	TotalTimeout time.Duration // 单次请求总时长上限
	Gate         rate.Gate     // 可选；额度不足时立即失败
	GateKey      rate.LimitKey
	Estimator    contract.TokenEstimator
	Logger       *diag.Logger
}

// Client 实现 contract.TrackStreamer。
// 每次 StreamSegment 是一次独立请求：除传入的 GenerationContext 外不保留跨请求状态。
type Client struct {
	tr   contract.LLMStreamer
	pb   contract.PromptBuilder
	opts Options
	seq  atomic.Int64
}

var (
	errChunkTimeout = errors.New("no chunk within chunk timeout")
	errTotalTimeout = errors.New("request exceeded total timeout")
)

// New 构造客户端；传输与提示词构造器均为必需。
func New(tr contract.LLMStreamer, pb contract.PromptBuilder, opts Options) (*Client, error) {
	if tr == nil || pb == nil {
		return nil, fmt.Errorf("stream client: %w: transport and prompt builder required", contract.ErrInvalidInput)
	}
	if opts.Estimator == nil {
		opts.Estimator = prompt.MakeEstimator(0)
	}
	return &Client{tr: tr, pb: pb, opts: opts}, nil
}

// Requests 已发出的请求数（含被限流拒绝的尝试）。
func (c *Client) Requests() int64 { return c.seq.Load() }

// StreamSegment 打开一次流式生成。返回的流在出错时给出：
//   - contract.ErrTimeout（单块/总超时，或传输层 net.Error 超时）；
//   - contract.ErrEndpoint（其余传输/协议失败，包裹原始错误）；
//   - 调用方 ctx 的取消原因（原样透传）。
func (c *Client) StreamSegment(ctx context.Context, gc contract.GenerationContext) (contract.RawStream, error) {
	id := "seg-" + strconv.FormatInt(c.seq.Add(1), 10)
	if c.opts.Gate != nil {
		tokens := prompt.EstimateRequest(c.pb, c.opts.Estimator, gc)
		if !c.opts.Gate.Try(rate.Ask{Key: c.opts.GateKey, Requests: 1, Tokens: tokens}) {
			diag.IncError("stream", string(diag.CodeBudget))
			return nil, fmt.Errorf("%w: %w", contract.ErrEndpoint, contract.ErrRateLimited)
		}
	}
	p, err := c.pb.Build(ctx, gc)
	if err != nil {
		return nil, fmt.Errorf("%w: build prompt: %w", contract.ErrEndpoint, err)
	}

	cctx, cancel := context.WithCancelCause(ctx)
	rctx, stopTotal := cctx, context.CancelFunc(func() {})
	if c.opts.TotalTimeout > 0 {
		rctx, stopTotal = context.WithTimeoutCause(cctx, c.opts.TotalTimeout, errTotalTimeout)
	}
	s := &segStream{
		c:      c,
		id:     id,
		parent: ctx,
		ctx:    rctx,
		cancel: func() { stopTotal(); cancel(context.Canceled) },
		t0:     time.Now(),
	}
	if c.opts.ChunkTimeout > 0 {
		s.watch = time.AfterFunc(c.opts.ChunkTimeout, func() { cancel(errChunkTimeout) })
	}
	c.opts.Logger.DebugStart("stream", "segment", id, map[string]string{
		"want": strconv.Itoa(gc.Want), "ctx_rows": strconv.Itoa(len(gc.Rows)), "difficulty": strconv.Itoa(gc.Difficulty),
	})

	var raw contract.RawStream
	if cs, ok := c.tr.(contract.ContextStreamer); ok {
		raw, err = cs.InvokeSegment(rctx, p, gc)
	} else {
		raw, err = c.tr.InvokeStream(rctx, p)
	}
	s.disarm()
	if err != nil {
		err = s.classify(err)
		s.release()
		return nil, err
	}
	s.raw = raw
	return s, nil
}

type segStream struct {
	c      *Client
	id     string
	parent context.Context
	ctx    context.Context
	cancel func()
	watch  *time.Timer
	raw    contract.RawStream
	t0     time.Time

	mu     sync.Mutex
	chunks int64
	err    error
	done   bool
	closed bool
}

// arm/disarm: 仅在等待传输层数据期间计时，调用方处理数据的耗时不计入。
func (s *segStream) arm() {
	if s.watch != nil {
		s.watch.Reset(s.c.opts.ChunkTimeout)
	}
}

func (s *segStream) disarm() {
	if s.watch != nil {
		s.watch.Stop()
	}
}

func (s *segStream) Next() (string, bool, error) {
	s.mu.Lock()
	if s.err != nil || s.done || s.closed {
		err, done := s.err, s.done
		s.mu.Unlock()
		if err == nil && !done {
			err = fmt.Errorf("%w: stream closed", contract.ErrEndpoint)
		}
		return "", done, err
	}
	raw := s.raw
	s.mu.Unlock()

	s.arm()
	chunk, done, err := raw.Next()
	s.disarm()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.err = s.classify(err)
		s.finish()
		return "", false, s.err
	}
	if done {
		s.done = true
		s.finish()
		return chunk, true, nil
	}
	s.chunks++
	return chunk, false, nil
}

func (s *segStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.err == nil && !s.done {
		// 调用方提前放弃
		s.c.opts.Logger.DebugStart("stream", "segment aborted", s.id, nil)
	}
	s.closed = true
	return s.release()
}

func (s *segStream) finish() {
	dur := time.Since(s.t0)
	diag.ObserveDuration("stream", "segment", dur.Milliseconds())
	if s.err != nil {
		code := string(diag.Classify(s.err))
		diag.IncOp("stream", "segment", "error")
		diag.IncError("stream", code)
		t0 := s.t0
		s.c.opts.Logger.ErrorWithKV("stream", code, s.err.Error(), &t0, s.id, map[string]string{"chunks": strconv.FormatInt(s.chunks, 10)})
	} else {
		diag.IncOp("stream", "segment", "success")
		s.c.opts.Logger.InfoFinish("stream", "segment "+s.id, s.t0, s.chunks)
	}
	s.release()
}

func (s *segStream) release() error {
	s.disarm()
	s.cancel()
	if s.raw != nil {
		raw := s.raw
		s.raw = nil
		return raw.Close()
	}
	return nil
}

// classify 将传输错误归入 ErrTimeout / ErrEndpoint；调用方取消原样透传。
func (s *segStream) classify(err error) error {
	if s.parent.Err() != nil {
		return context.Cause(s.parent)
	}
	switch cause := context.Cause(s.ctx); {
	case errors.Is(cause, errChunkTimeout), errors.Is(cause, errTotalTimeout):
		return fmt.Errorf("%w: %w", contract.ErrTimeout, cause)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %w", contract.ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", contract.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", contract.ErrEndpoint, err)
}

var _ contract.TrackStreamer = (*Client)(nil)
