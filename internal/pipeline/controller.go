package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"tokenracer/internal/diag"
	"tokenracer/internal/prompt"
	"tokenracer/internal/track"
	"tokenracer/pkg/contract"
)

// - 单生产者：仅后台生产协程向缓冲写入（预热阶段在协程启动前同步完成），序号在此统一分配。
// - 状态机：STREAMING → DEGRADED_FALLBACK → RECOVERING → STREAMING；无终止态，管线错误从不致命。
// - 饥饿看门狗：缓冲低于低水位超过宽限期时，以 ErrBufferStarvation 为原因取消在途请求。
// - 生命周期：生产协程与看门狗同属一个 errgroup；Stop 取消并等待二者退出。

// Settings 控制器运行参数。零值字段在 New 中取默认值。
type Settings struct {
	Width       int
	LowWater    int
	HighWater   int
	PrimeRows   int
	ContextRows int
	SegmentRows int // 每次请求期望的行数

	PrimeTimeout     time.Duration // 预热阶段远端尝试的总时长
	Cooldown         time.Duration // DEGRADED → RECOVERING 的等待
	StarvationGrace  time.Duration
	MaxProbeFailures int
	PushWait         time.Duration // 缓冲满时等待消费的上限，超时则挤出最旧行
	IdlePoll         time.Duration

	BytesPerToken int
}

func (s Settings) withDefaults(capacity int) Settings {
	if s.Width <= 0 {
		s.Width = 24
	}
	if s.HighWater <= 0 || s.HighWater > capacity {
		s.HighWater = capacity * 3 / 4
		if s.HighWater < 1 {
			s.HighWater = 1
		}
	}
	if s.LowWater <= 0 || s.LowWater >= s.HighWater {
		s.LowWater = s.HighWater / 3
		if s.LowWater < 1 {
			s.LowWater = 1
		}
	}
	if s.PrimeRows <= 0 || s.PrimeRows > capacity {
		s.PrimeRows = s.HighWater
	}
	if s.ContextRows <= 0 {
		s.ContextRows = 5
	}
	if s.SegmentRows <= 0 {
		s.SegmentRows = 8
	}
	if s.PrimeTimeout <= 0 {
		s.PrimeTimeout = 20 * time.Second
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 5 * time.Second
	}
	if s.StarvationGrace <= 0 {
		s.StarvationGrace = time.Second
	}
	if s.MaxProbeFailures <= 0 {
		s.MaxProbeFailures = 2
	}
	if s.PushWait <= 0 {
		s.PushWait = 250 * time.Millisecond
	}
	if s.IdlePoll <= 0 {
		s.IdlePoll = 50 * time.Millisecond
	}
	return s
}

// Stats 控制器计数快照（HUD 与结束汇总使用）。
type Stats struct {
	Status       contract.PipelineStatus
	Requests     int64 // 远端请求尝试
	Failures     int64
	RemoteRows   int64
	FallbackRows int64
	FillerRows   int64
	Consumed     int64
	Tokens       int64 // 已流入文本的估算 token 数
	Transitions  int64
	Starvations  int64
	Parser       track.ParserStats
	Buffer       track.BufferStats
}

// TransitionFunc 在每次状态切换后被调用（在锁外、生产协程或看门狗协程中）。
type TransitionFunc func(from, to contract.PipelineStatus, reason error)

// Controller 编排请求客户端、解析器、后备生成器与缓冲。
type Controller struct {
	remote contract.TrackStreamer
	gen    *track.Generator
	buf    *track.Buffer
	set    Settings
	log    *diag.Logger
	est    contract.TokenEstimator

	status     atomic.Int32
	difficulty atomic.Int32
	tokens     atomic.Int64

	mu           sync.Mutex
	seq          int64
	history      []contract.RoadRow
	degradedAt   time.Time
	probeFails   int
	lowSince     time.Time
	inflight     context.CancelCauseFunc
	st           Stats
	onTransition TransitionFunc
	onConsumed   func(contract.RoadRow)
	onPrime      func(rows, target int)

	lifeMu  sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New 构造控制器。remote、gen、buf 均为必需。
func New(remote contract.TrackStreamer, gen *track.Generator, buf *track.Buffer, set Settings, log *diag.Logger) (*Controller, error) {
	if remote == nil || gen == nil || buf == nil {
		return nil, fmt.Errorf("controller: %w: remote, generator and buffer required", contract.ErrInvalidInput)
	}
	set = set.withDefaults(buf.Cap())
	if gen.Width() != set.Width {
		return nil, fmt.Errorf("controller: %w: generator width %d != %d", contract.ErrInvalidInput, gen.Width(), set.Width)
	}
	c := &Controller{
		remote: remote,
		gen:    gen,
		buf:    buf,
		set:    set,
		log:    log,
		est:    prompt.MakeEstimator(set.BytesPerToken),
	}
	c.status.Store(int32(contract.StatusStreaming))
	c.difficulty.Store(int32(gen.Difficulty()))
	return c, nil
}

// OnTransition 注册状态切换观察者（须在 Start 前调用）。
func (c *Controller) OnTransition(fn TransitionFunc) {
	c.mu.Lock()
	c.onTransition = fn
	c.mu.Unlock()
}

// OnConsumed 注册消费回调（如赛道录制）。
func (c *Controller) OnConsumed(fn func(contract.RoadRow)) {
	c.mu.Lock()
	c.onConsumed = fn
	c.mu.Unlock()
}

// OnPrime 注册预热进度回调。
func (c *Controller) OnPrime(fn func(rows, target int)) {
	c.mu.Lock()
	c.onPrime = fn
	c.mu.Unlock()
}

// Start 同步预热缓冲（远端优先，不足部分由后备补齐），随后启动生产协程与饥饿看门狗。
func (c *Controller) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.started {
		return fmt.Errorf("controller: %w: already started", contract.ErrInvariantViolation)
	}
	c.started = true

	t0 := time.Now()
	c.prime(ctx)
	if err := ctx.Err(); err != nil {
		c.stopped = true
		return err
	}
	c.log.InfoFinish("controller", "prime "+c.Status().String(), t0, int64(c.buf.Len()))

	rctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(rctx)
	g.Go(func() error { return c.produce(gctx) })
	g.Go(func() error { return c.watchdog(gctx) })
	c.cancel = cancel
	c.group = g
	return nil
}

// Stop 取消在途请求并等待后台协程退出；返回后不再发出任何请求。可重复调用。
func (c *Controller) Stop() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.stopped || c.group == nil {
		c.stopped = true
		return nil
	}
	c.stopped = true
	c.cancel()
	err := c.group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// PopNextRow 渲染侧取下一行；ok=false 为 Empty（调用方自行补位）。
func (c *Controller) PopNextRow(timeout time.Duration) (contract.RoadRow, bool) {
	return c.buf.Pop(timeout)
}

// NotifyConsumed 渲染侧确认某行已上屏。
func (c *Controller) NotifyConsumed(row contract.RoadRow) {
	c.mu.Lock()
	c.st.Consumed++
	fn := c.onConsumed
	c.mu.Unlock()
	if fn != nil {
		fn(row)
	}
}

// Status 当前管线状态。
func (c *Controller) Status() contract.PipelineStatus {
	return contract.PipelineStatus(c.status.Load())
}

// SetDifficulty 更新难度（1..5），作用于后续请求与后备生成。
func (c *Controller) SetDifficulty(n int) {
	c.gen.SetDifficulty(n)
	c.difficulty.Store(int32(c.gen.Difficulty()))
}

// Stats 计数快照。
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	st := c.st
	c.mu.Unlock()
	st.Status = c.Status()
	st.Tokens = c.tokens.Load()
	st.Buffer = c.buf.Stats()
	return st
}

// Settings 返回生效参数（含默认值）。
func (c *Controller) Settings() Settings { return c.set }

func (c *Controller) prime(ctx context.Context) {
	target := c.set.PrimeRows
	pctx, cancel := context.WithTimeout(ctx, c.set.PrimeTimeout)
	var err error
	for err == nil && c.buf.Len() < target && pctx.Err() == nil {
		err = c.streamOnce(pctx, c.progress)
	}
	cancel()
	if err == nil && c.buf.Len() < target && ctx.Err() == nil {
		err = fmt.Errorf("%w: prime: %w", contract.ErrTimeout, context.DeadlineExceeded)
	}
	if err != nil && ctx.Err() == nil {
		c.fail(err)
	}
	c.fillFallback(ctx, target, c.progress)
}

func (c *Controller) progress() {
	c.mu.Lock()
	fn := c.onPrime
	c.mu.Unlock()
	if fn != nil {
		fn(c.buf.Len(), c.set.PrimeRows)
	}
}

// produce 是唯一的写入协程：按状态在远端流式与后备生成之间切换。
func (c *Controller) produce(ctx context.Context) error {
	for ctx.Err() == nil {
		switch c.Status() {
		case contract.StatusStreaming:
			if !c.buf.WaitBelow(ctx, c.set.HighWater, c.set.IdlePoll) {
				continue
			}
			if err := c.streamOnce(ctx, nil); err != nil && ctx.Err() == nil {
				c.fail(err)
			}
		case contract.StatusDegraded:
			c.fillFallback(ctx, c.set.HighWater, nil)
			left := c.set.Cooldown - time.Since(c.degradedSince())
			if left <= 0 {
				c.transition(contract.StatusRecovering, nil)
				continue
			}
			c.buf.WaitBelow(ctx, c.set.HighWater, min(left, c.set.IdlePoll))
		case contract.StatusRecovering:
			// 探测前补满，给一次慢速探测留出余量
			c.fillFallback(ctx, c.set.HighWater, nil)
			if ctx.Err() != nil {
				break
			}
			if err := c.streamOnce(ctx, nil); err != nil {
				if ctx.Err() != nil {
					break
				}
				c.fail(err)
				if c.Status() == contract.StatusRecovering {
					// 两次探测之间留出间隔，避免对即时失败的端点连发
					sleepWithCtx(ctx, min(c.set.Cooldown/4, c.set.IdlePoll*4))
				}
				continue
			}
			c.transition(contract.StatusStreaming, nil)
		}
	}
	return nil
}

// fail 记录一次远端失败并推进状态机。
func (c *Controller) fail(err error) {
	code := string(diag.Classify(err))
	c.mu.Lock()
	c.st.Failures++
	status := c.Status()
	giveUp := false
	if status == contract.StatusRecovering {
		c.probeFails++
		giveUp = c.probeFails >= c.set.MaxProbeFailures
	}
	fails := c.probeFails
	c.mu.Unlock()

	c.log.ErrorWithKV("controller", code, err.Error(), nil, "", map[string]string{
		"status": status.String(), "probe_failures": strconv.Itoa(fails),
	})
	diag.IncError("controller", code)
	if status == contract.StatusStreaming || giveUp {
		c.transition(contract.StatusDegraded, err)
	}
}

func sleepWithCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Controller) transition(to contract.PipelineStatus, reason error) {
	c.mu.Lock()
	from := c.Status()
	if from == to {
		c.mu.Unlock()
		return
	}
	c.status.Store(int32(to))
	switch to {
	case contract.StatusDegraded:
		c.degradedAt = time.Now()
		c.probeFails = 0
	case contract.StatusStreaming, contract.StatusRecovering:
		c.probeFails = 0
	}
	c.lowSince = time.Time{}
	c.st.Transitions++
	hook := c.onTransition
	c.mu.Unlock()

	why := ""
	if reason != nil {
		why = reason.Error()
	}
	c.log.Transition("controller", from.String(), to.String(), why)
	diag.IncOp("controller", "transition", to.String())
	if hook != nil {
		hook(from, to, reason)
	}
}

func (c *Controller) degradedSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degradedAt
}

// streamOnce 发起一次远端请求并把解析出的行逐一入队。
// 成功条件：流正常结束且至少产出一行远端行。
func (c *Controller) streamOnce(ctx context.Context, each func()) error {
	gc := c.snapshot(c.set.SegmentRows)
	rctx, cancel := context.WithCancelCause(ctx)
	c.mu.Lock()
	c.inflight = cancel
	c.st.Requests++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()
		cancel(nil)
	}()

	s, err := c.remote.StreamSegment(rctx, gc)
	if err != nil {
		return err
	}
	defer s.Close()

	p := track.NewParser(c.set.Width, c.log)
	var text strings.Builder
	got := 0
	defer func() {
		if text.Len() > 0 {
			c.tokens.Add(int64(c.est(text.String())))
		}
		ps := p.Stats()
		c.mu.Lock()
		c.st.Parser.Rows += ps.Rows
		c.st.Parser.Dropped += ps.Dropped
		c.st.Parser.Corrected += ps.Corrected
		c.st.Parser.Padded += ps.Padded
		c.mu.Unlock()
	}()
	// 预热期间无人消费：达到 PrimeRows 即停止读取，多余行不入缓冲
	primed := func() bool { return each != nil && c.buf.Len() >= c.set.PrimeRows }
read:
	for {
		chunk, done, err := s.Next()
		if err != nil {
			return err
		}
		text.WriteString(chunk)
		rows := p.Feed(chunk)
		if done {
			rows = append(rows, p.Flush()...)
		}
		for _, r := range rows {
			if primed() {
				break read
			}
			if err := c.push(rctx, r); err != nil {
				return err
			}
			if r.Source == contract.SourceRemote {
				got++
			}
			if each != nil {
				each()
			}
		}
		if done || primed() {
			break
		}
	}
	if got == 0 {
		return fmt.Errorf("%w: %w: segment carried no road rows", contract.ErrEndpoint, contract.ErrResponseInvalid)
	}
	return nil
}

// fillFallback 用后备生成器把缓冲补到 target 行。
func (c *Controller) fillFallback(ctx context.Context, target int, each func()) {
	for ctx.Err() == nil && c.buf.Len() < target {
		row := c.gen.NextRow(c.last())
		if err := c.push(ctx, row); err != nil {
			return
		}
		if each != nil {
			each()
		}
	}
}

// push 分配序号、入队并推进生成上下文。
func (c *Controller) push(ctx context.Context, row contract.RoadRow) error {
	if c.buf.Len() >= c.buf.Cap() {
		// 满：先等消费，超时才挤出最旧行
		c.buf.WaitBelow(ctx, c.buf.Cap(), c.set.PushWait)
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
	}
	c.mu.Lock()
	c.seq++
	row.Seq = c.seq
	c.mu.Unlock()
	if err := c.buf.Push(row); err != nil {
		c.log.Error("controller", string(diag.Classify(err)), err.Error(), nil)
		return fmt.Errorf("%w: %w", contract.ErrInvariantViolation, err)
	}
	c.mu.Lock()
	c.history = append(c.history, row)
	if n := len(c.history); n > c.set.ContextRows {
		c.history = append(c.history[:0], c.history[n-c.set.ContextRows:]...)
	}
	switch row.Source {
	case contract.SourceRemote:
		c.st.RemoteRows++
	case contract.SourceFallback:
		c.st.FallbackRows++
	default:
		c.st.FillerRows++
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) last() *contract.RoadRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.history) == 0 {
		return nil
	}
	r := c.history[len(c.history)-1].Clone()
	return &r
}

// snapshot 复制当前生成上下文（调用方可自由持有）。
func (c *Controller) snapshot(want int) contract.GenerationContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	gc := contract.GenerationContext{
		Rows:       make([]contract.RoadRow, len(c.history)),
		Width:      c.set.Width,
		Difficulty: int(c.difficulty.Load()),
		Want:       want,
	}
	for i, r := range c.history {
		gc.Rows[i] = r.Clone()
		if r.Source != contract.SourceRemote {
			gc.Synthetic = true
		}
	}
	return gc
}

// watchdog 在 STREAMING/RECOVERING 下监视低水位；持续低于 LowWater 超过宽限期即取消在途请求。
func (c *Controller) watchdog(ctx context.Context) error {
	tick := c.set.StarvationGrace / 4
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			c.checkStarvation(now)
		}
	}
}

func (c *Controller) checkStarvation(now time.Time) {
	n := c.buf.Len()
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= c.set.LowWater || c.Status() == contract.StatusDegraded {
		c.lowSince = time.Time{}
		return
	}
	if c.lowSince.IsZero() {
		c.lowSince = now
		return
	}
	if now.Sub(c.lowSince) < c.set.StarvationGrace || c.inflight == nil {
		return
	}
	c.st.Starvations++
	c.lowSince = now
	c.inflight(contract.ErrBufferStarvation)
	c.log.Degrade("controller", string(diag.CodeStarvation), fmt.Sprintf("buffer below low water (%d<%d)", n, c.set.LowWater), 1)
	diag.IncError("controller", string(diag.CodeStarvation))
}
