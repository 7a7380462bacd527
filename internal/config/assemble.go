package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"tokenracer/internal/diag"
	"tokenracer/internal/game"
	"tokenracer/internal/pipeline"
	"tokenracer/internal/prompt"
	"tokenracer/internal/rate"
	"tokenracer/internal/record"
	"tokenracer/internal/stream"
	"tokenracer/internal/track"
	"tokenracer/pkg/registry"
)

// localClients: 本地生成行文本的传输，行宽需与赛道一致；offline 另继承种子。
var localClients = map[string]bool{"mock": true, "flaky": true, "offline": true}

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	t := cfg.Track
	switch {
	case t.Width < 3 || t.Width > 200:
		return fmt.Errorf("config: track.width must be in [3,200], got %d", t.Width)
	case t.Capacity < 1:
		return errors.New("config: track.capacity must be >= 1")
	case t.LowWater < 1 || t.LowWater >= t.HighWater:
		return fmt.Errorf("config: track.low_water(%d) must be in [1, high_water)", t.LowWater)
	case t.HighWater > t.Capacity:
		return fmt.Errorf("config: track.high_water(%d) exceeds capacity(%d)", t.HighWater, t.Capacity)
	case t.SegmentRows < 1:
		return errors.New("config: track.segment_rows must be >= 1")
	case t.HighWater+t.SegmentRows > t.Capacity:
		return fmt.Errorf("config: high_water(%d)+segment_rows(%d) exceeds capacity(%d)", t.HighWater, t.SegmentRows, t.Capacity)
	case t.PrimeRows < 1 || t.PrimeRows > t.HighWater:
		return fmt.Errorf("config: track.prime_rows(%d) must be in [1, high_water]", t.PrimeRows)
	case t.ContextRows < 1:
		return errors.New("config: track.context_rows must be >= 1")
	case t.BytesPerToken < 0:
		return errors.New("config: track.bytes_per_token must be >= 0")
	}
	tm := cfg.Timing
	if tm.ChunkTimeoutMS <= 0 || tm.TotalTimeoutMS <= 0 || tm.PrimeTimeoutMS <= 0 || tm.CooldownMS <= 0 || tm.StarvationGraceMS <= 0 {
		return errors.New("config: timing values must be > 0")
	}
	if tm.MaxProbeFailures < 1 {
		return errors.New("config: timing.max_probe_failures must be >= 1")
	}
	if cfg.Game.Height < 5 || cfg.Game.BaseFPS < 1 {
		return errors.New("config: game.height must be >= 5 and game.base_fps >= 1")
	}
	// 看门狗在低于低水位持续一个宽限期后才降级：低水位须撑过最高档位下的这段消耗
	if need := MinLowWater(cfg.Game.BaseFPS, tm.StarvationGraceMS); t.LowWater < need {
		return fmt.Errorf("config: track.low_water(%d) must be >= %d to cover starvation_grace_ms=%d at top gear (%.1f rows/s)",
			t.LowWater, need, tm.StarvationGraceMS, game.MaxRowsPerSecond(cfg.Game.BaseFPS))
	}

	if cfg.LLM == "" {
		return errors.New("config: llm not set")
	}
	prov, ok := cfg.Provider[cfg.LLM]
	if !ok {
		return fmt.Errorf("config: provider %q not found", cfg.LLM)
	}
	if prov.Client == "" {
		return fmt.Errorf("config: provider %q missing client", cfg.LLM)
	}
	if registry.LLMStreamer[prov.Client] == nil {
		return fmt.Errorf("config: llm client %q not registered", prov.Client)
	}
	// 组件名若为空，使用默认名（由 Defaults() 提供）。此处只要最终有值即可。
	if name := effName(cfg.Components.PromptBuilder, Defaults().Components.PromptBuilder); registry.PromptBuilder[name] == nil {
		return fmt.Errorf("config: prompt_builder %q not registered", name)
	}
	if cfg.Record {
		if name := effName(cfg.Components.Writer, Defaults().Components.Writer); registry.Writer[name] == nil {
			return fmt.Errorf("config: writer %q not registered", name)
		}
	}
	return nil
}

// Assembly: 组装完成的运行时组件。
type Assembly struct {
	Controller *pipeline.Controller
	Stream     *stream.Client
	Recorder   *record.Recorder // Record=false 时为 nil
	Gate       rate.Gate
	GateKey    rate.LimitKey
	// Client: 实际使用的传输实现名（openai/gemini/offline 等）。
	Client string
}

// Assemble 构造请求客户端、缓冲、兜底生成器、控制器与可选的录制器。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config, session string, log *diag.Logger) (*Assembly, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	d := Defaults()
	seed := cfg.Track.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	pb, err := registry.PromptBuilder[effName(cfg.Components.PromptBuilder, d.Components.PromptBuilder)](cfg.Options.PromptBuilder)
	if err != nil {
		return nil, fmt.Errorf("prompt builder: %w", err)
	}

	prov := cfg.Provider[cfg.LLM]
	opts := prov.Options
	if localClients[prov.Client] {
		kv := map[string]any{"width": cfg.Track.Width}
		if prov.Client == "offline" {
			kv["seed"] = seed
		}
		opts, err = withDefaults(opts, kv)
		if err != nil {
			return nil, fmt.Errorf("provider %s options: %w", cfg.LLM, err)
		}
	}
	llm, err := registry.LLMStreamer[prov.Client](opts)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.LLM, err)
	}

	// 限流 Gate（按 provider 限额构造；分组键从 options 中派生 API Key）
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, prov.Options)
	if derr != nil {
		key = rate.LimitKey(cfg.LLM)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{
		key: {RPM: prov.Limits.RPM, TPM: prov.Limits.TPM, MaxTokensPerReq: prov.Limits.MaxTokensPerReq},
	}, nil)

	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	client, err := stream.New(llm, pb, stream.Options{
		ChunkTimeout: ms(cfg.Timing.ChunkTimeoutMS),
		TotalTimeout: ms(cfg.Timing.TotalTimeoutMS),
		Gate:         gate,
		GateKey:      key,
		Estimator:    prompt.MakeEstimator(cfg.Track.BytesPerToken),
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}

	buf, err := track.NewBuffer(cfg.Track.Capacity, log)
	if err != nil {
		return nil, err
	}
	gen := track.NewGenerator(cfg.Track.Width, seed)
	ctl, err := pipeline.New(client, gen, buf, pipeline.Settings{
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
	}, log)
	if err != nil {
		return nil, err
	}

	a := &Assembly{Controller: ctl, Stream: client, Gate: gate, GateKey: key, Client: prov.Client}
	if cfg.Record {
		w, err := registry.Writer[effName(cfg.Components.Writer, d.Components.Writer)](cfg.Options.Writer)
		if err != nil {
			return nil, fmt.Errorf("writer: %w", err)
		}
		rec, err := record.New(w, session, 0, log)
		if err != nil {
			return nil, err
		}
		ctl.OnConsumed(rec.Record)
		a.Recorder = rec
	}
	return a, nil
}

// MinLowWater 返回最高档位下撑过一个饥饿宽限期所需的最少缓冲行数。
// 看门狗以 grace/4 为周期采样，低水位的发现最多再晚一个周期，因此按 5/4 个宽限期计算。
func MinLowWater(baseFPS, graceMS int) int {
	rows := game.MaxRowsPerSecond(baseFPS) * float64(graceMS) * 5 / 4 / 1000
	return int(math.Ceil(rows - 1e-9))
}

// withDefaults 向 JSON 对象补充缺省键（已存在的键保持不变）。
func withDefaults(raw json.RawMessage, kv map[string]any) (json.RawMessage, error) {
	obj := map[string]any{}
	if len(strings.TrimSpace(string(raw))) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber() // 保留大整数种子精度
		if err := dec.Decode(&obj); err != nil {
			return nil, err
		}
	}
	for k, v := range kv {
		if _, ok := obj[k]; !ok {
			obj[k] = v
		}
	}
	return json.Marshal(obj)
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
