package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tokenracer/pkg/contract"
)

const basicJSON = `{
  "track": {"width": 21, "capacity": 90, "low_water": 20, "high_water": 60, "prime_rows": 40, "segment_rows": 20, "seed": 7},
  "timing": {"chunk_timeout_ms": 3000},
  "game": {"base_fps": 10},
  "logging": {"level": "debug"},
  "llm": "gemini",
  "provider": {
    "gemini": {"client": "gemini", "options": {"model": "gemini-2.5-flash"}, "limits": {"rpm": 10}}
  }
}`

// UT-CFG-01: 解析完整 config.json，并与默认值合并。
func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(basicJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	file, err := LoadJSON(path, nil)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	cfg := Merge(Defaults(), file)
	if cfg.LLM != "gemini" || cfg.Track.Width != 21 || cfg.Track.Seed != 7 {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	if cfg.Timing.ChunkTimeoutMS != 3000 || cfg.Timing.TotalTimeoutMS != 60000 {
		t.Fatalf("未设置的字段应保留默认: %+v", cfg.Timing)
	}
	if cfg.Game.Height != 25 || cfg.Game.BaseFPS != 10 || cfg.Logging.Level != "debug" {
		t.Fatalf("game/logging 合并错误: %+v %+v", cfg.Game, cfg.Logging)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
}

// UT-CFG-02: ENV 覆盖部分字段，provider 按字段合并。
func TestEnvOverlay(t *testing.T) {
	env := []string{
		"PATH=/usr/bin",
		"TOKENRACER_LLM=gemini",
		"TOKENRACER_TRACK_WIDTH=31",
		"TOKENRACER_TRACK_SEED=42",
		"TOKENRACER_RECORD=true",
		"TOKENRACER_COMPONENTS_WRITER=fs",
		"TOKENRACER_PROVIDER__gemini__LIMITS_RPM=3",
	}
	over, err := EnvOverlay(env)
	if err != nil {
		t.Fatalf("EnvOverlay 错误: %v", err)
	}
	if over.LLM != "gemini" || over.Track.Width != 31 || over.Track.Seed != 42 || !over.Record {
		t.Fatalf("覆盖结果不正确: %+v", over)
	}
	file, _ := LoadJSON("", []byte(basicJSON))
	cfg := Merge(Merge(Defaults(), file), over)
	p := cfg.Provider["gemini"]
	if p.Client != "gemini" || p.Limits.RPM != 3 || len(p.Options) == 0 {
		t.Fatalf("provider 应按字段合并: %+v", p)
	}
}

// UT-CFG-03: ENV 数值非法时报错而非静默忽略。
func TestEnvOverlayInvalid(t *testing.T) {
	for _, kv := range []string{
		"TOKENRACER_TRACK_WIDTH=abc",
		"TOKENRACER_RECORD=maybe",
		"TOKENRACER_TRACK_SEED=-1",
		"TOKENRACER_PROVIDER__x__LIMITS_TPM=many",
		"TOKENRACER_PROVIDER__x__OPTIONS_JSON={bad",
	} {
		if _, err := EnvOverlay([]string{kv}); err == nil {
			t.Fatalf("%s 应返回错误", kv)
		}
	}
}

// UT-CFG-04: 含非法字段。
func TestLoadJSONUnknown(t *testing.T) {
	raw := []byte(`{"unknown":1}`)
	if _, err := LoadJSON("", raw); err == nil {
		t.Fatalf("应当返回错误")
	}
	if _, err := LoadJSON("", nil); err == nil {
		t.Fatalf("无来源应当返回错误")
	}
}

// 补充覆盖: Defaults、atoi 与 cloneRaw
func TestDefaultsClone(t *testing.T) {
	d := Defaults()
	if d.Components.PromptBuilder != "racetrack" || d.Components.Writer != "fs" {
		t.Fatalf("默认组件错误: %+v", d.Components)
	}
	if v, err := atoi(" 10 "); err != nil || v != 10 {
		t.Fatalf("atoi 失败: %v %d", err, v)
	}
	src := []byte("abc")
	dst := cloneRaw(src)
	src[0] = 'x'
	if string(dst) != "abc" {
		t.Fatalf("cloneRaw 未复制")
	}
}

// UT-CFG-05: Validate 错误分支。
func TestValidateErrors(t *testing.T) {
	if err := Validate(Config{}); err == nil {
		t.Fatal("空配置应失败")
	}
	if err := Validate(DefaultTemplateConfig()); err != nil {
		t.Fatalf("默认模板应通过校验: %v", err)
	}
	cases := map[string]func(*Config){
		"width":          func(c *Config) { c.Track.Width = 2 },
		"water order":    func(c *Config) { c.Track.LowWater = c.Track.HighWater },
		"segment room":   func(c *Config) { c.Track.SegmentRows = c.Track.Capacity },
		"prime rows":     func(c *Config) { c.Track.PrimeRows = c.Track.HighWater + 1 },
		"timing":         func(c *Config) { c.Timing.CooldownMS = 0 },
		"probe failures": func(c *Config) { c.Timing.MaxProbeFailures = 0 },
		"grace too long": func(c *Config) { c.Timing.StarvationGraceMS = 1500 },
		"low water thin": func(c *Config) { c.Track.LowWater = 10 },
		"game":           func(c *Config) { c.Game.Height = 2 },
		"missing llm":    func(c *Config) { c.LLM = "nope" },
		"empty client":   func(c *Config) { c.Provider["offline"] = Provider{} },
		"unknown client": func(c *Config) { c.Provider["offline"] = Provider{Client: "nope"} },
		"unknown prompt": func(c *Config) { c.Components.PromptBuilder = "nope" },
		"unknown writer": func(c *Config) { c.Record = true; c.Components.Writer = "nope" },
	}
	for name, mut := range cases {
		cfg := DefaultTemplateConfig()
		mut(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: 应失败", name)
		}
	}
}

// UT-CFG-09: 最低低水位按最高档位消耗与宽限期计算；默认值留有余量。
func TestMinLowWater(t *testing.T) {
	d := Defaults()
	// 12 fps × 3.0 × 0.5s × 5/4 = 22.5
	if got := MinLowWater(d.Game.BaseFPS, d.Timing.StarvationGraceMS); got != 23 {
		t.Fatalf("默认最低低水位应为 23: %d", got)
	}
	if d.Track.LowWater < MinLowWater(d.Game.BaseFPS, d.Timing.StarvationGraceMS) {
		t.Fatalf("默认低水位不足以覆盖宽限期")
	}
	if got := MinLowWater(12, 100); got != 5 {
		t.Fatalf("100ms 宽限期应需 5 行: %d", got)
	}
}

// UT-CFG-06: 模板可完整序列化并严格解析回来。
func TestTemplateRoundTrip(t *testing.T) {
	b, err := json.MarshalIndent(DefaultTemplateConfig(), "", "  ")
	if err != nil {
		t.Fatalf("序列化失败: %v", err)
	}
	cfg, err := LoadJSON("", b)
	if err != nil {
		t.Fatalf("模板应能严格解析: %v", err)
	}
	if cfg.LLM != "offline" || cfg.Provider["openrouter"].Client != "openai" {
		t.Fatalf("模板内容不符: %+v", cfg)
	}
}

// UT-CFG-07: 组装 offline 模板；行宽与种子注入本地传输，录制器挂到消费回调。
func TestAssembleOffline(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.Track.Seed = 99
	cfg.Record = true
	cfg.Options.Writer = json.RawMessage(`{"dir":` + mustJSON(t, t.TempDir()) + `}`)
	a, err := Assemble(cfg, "sess", nil)
	if err != nil {
		t.Fatalf("Assemble 失败: %v", err)
	}
	if a.Controller == nil || a.Stream == nil || a.Recorder == nil || a.Client != "offline" {
		t.Fatalf("组装结果不完整: %+v", a)
	}
	if !strings.HasPrefix(string(a.GateKey), "offline:") {
		t.Fatalf("本地传输分组键错误: %s", a.GateKey)
	}
	if got := a.Controller.Settings().Width; got != cfg.Track.Width {
		t.Fatalf("控制器行宽错误: %d", got)
	}
}

// UT-CFG-08: 远端 provider 缺少密钥时组装失败。
func TestAssembleMissingKey(t *testing.T) {
	cfg := DefaultTemplateConfig()
	cfg.LLM = "openrouter"
	p := cfg.Provider["openrouter"]
	p.Options = json.RawMessage(`{"api_key_env":"TOKENRACER_TEST_UNSET_KEY"}`)
	cfg.Provider["openrouter"] = p
	if _, err := Assemble(cfg, "s", nil); err == nil {
		t.Fatal("缺少密钥应失败")
	}
}

func TestWithDefaults(t *testing.T) {
	out, err := withDefaults(json.RawMessage(`{"width":9}`), map[string]any{"width": 25, "seed": 3})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]int
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatal(err)
	}
	if m["width"] != 9 || m["seed"] != 3 {
		t.Fatalf("已有键不应被覆盖: %v", m)
	}
	if _, err := withDefaults(json.RawMessage(`[1]`), nil); err == nil {
		t.Fatal("非对象应失败")
	}
}

// UT-CFG-10: 默认 offline 传输经 Assemble 与控制器组装后，控制器设置的难度决定障碍密度。
func TestAssembleOfflineFollowsDifficulty(t *testing.T) {
	obstacles := func(d int) int {
		cfg := DefaultTemplateConfig()
		cfg.Track.Seed = 11
		cfg.Track.Capacity = 60
		cfg.Track.HighWater = 30
		cfg.Track.LowWater = 25
		cfg.Track.PrimeRows = 30
		cfg.Track.SegmentRows = 20
		p := cfg.Provider["offline"]
		p.Options = json.RawMessage(`{"segment_rows":20,"chunk_size":256,"delay_ms":0}`)
		cfg.Provider["offline"] = p
		a, err := Assemble(cfg, "diff", nil)
		if err != nil {
			t.Fatalf("Assemble: %v", err)
		}
		a.Controller.SetDifficulty(d)
		if err := a.Controller.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer a.Controller.Stop()
		n := 0
		for i := 0; i < 150; i++ {
			row, ok := a.Controller.PopNextRow(time.Second)
			if !ok {
				t.Fatalf("第 %d 次出队为空", i)
			}
			if row.Source != contract.SourceRemote {
				t.Fatalf("offline 行应按远端计: %s", row.Source)
			}
			for _, c := range row.Cells {
				if c.Kind() == contract.KindObstacle {
					n++
				}
			}
		}
		return n
	}
	easy, hard := obstacles(1), obstacles(5)
	if hard <= 2*easy {
		t.Fatalf("难度 5 的障碍应明显多于难度 1: %d vs %d", hard, easy)
	}
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}
