package pipeline_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tokenracer/internal/config"
	"tokenracer/internal/game"
	"tokenracer/internal/pipeline"
	"tokenracer/internal/track"
	"tokenracer/pkg/contract"
)

// hangingRemote: 前 serve 次调用各返回 want 行空路面，之后的请求不返回任何数据直到 ctx 结束。
type hangingRemote struct {
	width int
	serve int

	mu    sync.Mutex
	calls int
}

func (h *hangingRemote) StreamSegment(ctx context.Context, gc contract.GenerationContext) (contract.RawStream, error) {
	h.mu.Lock()
	h.calls++
	n := h.calls
	h.mu.Unlock()
	if n > h.serve {
		return &segment{ctx: ctx, hang: true}, nil
	}
	row := "|" + strings.Repeat(" ", h.width) + "|\n"
	return &segment{ctx: ctx, text: strings.Repeat(row, gc.Want)}, nil
}

type segment struct {
	ctx  context.Context
	text string
	hang bool
	sent bool
}

func (s *segment) Next() (string, bool, error) {
	if s.hang {
		<-s.ctx.Done()
		return "", false, context.Cause(s.ctx)
	}
	if err := s.ctx.Err(); err != nil {
		return "", false, err
	}
	if s.sent {
		return "", true, nil
	}
	s.sent = true
	return s.text, false, nil
}

func (s *segment) Close() error { return nil }

// settingsFrom 按 Assemble 的方式把配置映射为控制器参数。
func settingsFrom(cfg config.Config) pipeline.Settings {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return pipeline.Settings{
		Width:            cfg.Track.Width,
		LowWater:         cfg.Track.LowWater,
		HighWater:        cfg.Track.HighWater,
		PrimeRows:        cfg.Track.PrimeRows,
		ContextRows:      cfg.Track.ContextRows,
		SegmentRows:      cfg.Track.SegmentRows,
		PrimeTimeout:     ms(cfg.Timing.PrimeTimeoutMS),
		Cooldown:         ms(cfg.Timing.CooldownMS),
		StarvationGrace:  ms(cfg.Timing.StarvationGraceMS),
		MaxProbeFailures: cfg.Timing.MaxProbeFailures,
		BytesPerToken:    cfg.Track.BytesPerToken,
	}
}

// UT-CTL-11: 默认参数下以最高档位节奏消费，远端在若干段后挂起：
// 看门狗在缓冲见底前降级，消费者从未遇到 Empty。
func TestDefaults_TopGearHangingRemoteNeverEmpty(t *testing.T) {
	if testing.Short() {
		t.Skip("按真实节奏运行数秒，-short 下跳过")
	}
	cfg := config.Defaults()
	if err := config.Validate(withOffline(cfg)); err != nil {
		t.Fatalf("默认配置应通过校验: %v", err)
	}
	set := settingsFrom(cfg)
	buf, err := track.NewBuffer(cfg.Track.Capacity, nil)
	if err != nil {
		t.Fatalf("缓冲构造失败: %v", err)
	}
	remote := &hangingRemote{width: set.Width, serve: 3}
	c, err := pipeline.New(remote, track.NewGenerator(set.Width, 11), buf, set, nil)
	if err != nil {
		t.Fatalf("控制器构造失败: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	interval := time.Duration(float64(time.Second) / game.MaxRowsPerSecond(cfg.Game.BaseFPS))
	tick := time.NewTicker(interval)
	defer tick.Stop()
	empty, got := 0, 0
	deadline := time.Now().Add(10 * time.Second)
	for c.Stats().FallbackRows < int64(cfg.Track.HighWater) && time.Now().Before(deadline) {
		<-tick.C
		row, ok := c.PopNextRow(2 * time.Millisecond)
		if !ok {
			empty++
			continue
		}
		c.NotifyConsumed(row)
		got++
	}
	st := c.Stats()
	if st.Status != contract.StatusDegraded || st.Starvations == 0 {
		t.Fatalf("应因饥饿降级: %+v", st)
	}
	if empty != 0 || st.Buffer.Empty != 0 {
		t.Fatalf("消费者不应遇到 Empty: empty=%d got=%d stats=%+v", empty, got, st)
	}
}

// withOffline 补上 LLM 选择，使 Defaults() 可以单独通过 Validate。
func withOffline(cfg config.Config) config.Config {
	cfg.LLM = "offline"
	cfg.Provider = map[string]config.Provider{"offline": {Client: "offline"}}
	return cfg
}
