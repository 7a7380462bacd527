package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix: 环境变量前缀。
const EnvPrefix = "TOKENRACER_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：LLM 不设默认（必须由 JSON/ENV/CLI 提供）。
func Defaults() Config {
	return Config{
		Track: Track{
			Width:         25,
			Capacity:      120,
			LowWater:      30,
			HighWater:     80,
			PrimeRows:     60,
			ContextRows:   5,
			SegmentRows:   30,
			BytesPerToken: 4,
		},
		Timing: Timing{
			ChunkTimeoutMS:    8000,
			TotalTimeoutMS:    60000,
			PrimeTimeoutMS:    30000,
			CooldownMS:        5000,
			StarvationGraceMS: 500,
			MaxProbeFailures:  2,
		},
		Game:    Game{Height: 25, BaseFPS: 12},
		Logging: Logging{Level: "info"},
		Components: Components{
			PromptBuilder: "racetrack",
			Writer:        "fs",
		},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；零值视为未设置，不做深度合并。
func Merge(base, over Config) Config {
	out := base
	for dst, src := range intFields(&out, &over) {
		if *src != 0 {
			*dst = *src
		}
	}
	if over.Track.Seed != 0 {
		out.Track.Seed = over.Track.Seed
	}
	if over.Record {
		out.Record = true
	}
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}

	// 组件名（空不覆盖）
	if over.Components.PromptBuilder != "" {
		out.Components.PromptBuilder = over.Components.PromptBuilder
	}
	if over.Components.Writer != "" {
		out.Components.Writer = over.Components.Writer
	}

	// Provider：按字段覆盖（ENV 常只给出限额或密钥选项）
	if len(over.Provider) > 0 {
		prov := make(map[string]Provider, len(out.Provider)+len(over.Provider))
		for k, v := range out.Provider {
			prov[k] = v
		}
		for k, v := range over.Provider {
			prov[k] = mergeProvider(prov[k], v)
		}
		out.Provider = prov
	}

	// Options（完整替换对应键）
	if len(over.Options.PromptBuilder) > 0 {
		out.Options.PromptBuilder = cloneRaw(over.Options.PromptBuilder)
	}
	if len(over.Options.Writer) > 0 {
		out.Options.Writer = cloneRaw(over.Options.Writer)
	}

	if s := strings.TrimSpace(over.LLM); s != "" {
		out.LLM = s
	}
	return out
}

func mergeProvider(base, over Provider) Provider {
	out := base
	if over.Client != "" {
		out.Client = over.Client
	}
	if len(over.Options) > 0 {
		out.Options = cloneRaw(over.Options)
	}
	if over.Limits.RPM != 0 {
		out.Limits.RPM = over.Limits.RPM
	}
	if over.Limits.TPM != 0 {
		out.Limits.TPM = over.Limits.TPM
	}
	if over.Limits.MaxTokensPerReq != 0 {
		out.Limits.MaxTokensPerReq = over.Limits.MaxTokensPerReq
	}
	return out
}

// intFields 把两份配置中同名的整数字段按 dst→src 配对。
func intFields(dst, src *Config) map[*int]*int {
	return map[*int]*int{
		&dst.Track.Width:              &src.Track.Width,
		&dst.Track.Capacity:           &src.Track.Capacity,
		&dst.Track.LowWater:           &src.Track.LowWater,
		&dst.Track.HighWater:          &src.Track.HighWater,
		&dst.Track.PrimeRows:          &src.Track.PrimeRows,
		&dst.Track.ContextRows:        &src.Track.ContextRows,
		&dst.Track.SegmentRows:        &src.Track.SegmentRows,
		&dst.Track.BytesPerToken:      &src.Track.BytesPerToken,
		&dst.Timing.ChunkTimeoutMS:    &src.Timing.ChunkTimeoutMS,
		&dst.Timing.TotalTimeoutMS:    &src.Timing.TotalTimeoutMS,
		&dst.Timing.PrimeTimeoutMS:    &src.Timing.PrimeTimeoutMS,
		&dst.Timing.CooldownMS:        &src.Timing.CooldownMS,
		&dst.Timing.StarvationGraceMS: &src.Timing.StarvationGraceMS,
		&dst.Timing.MaxProbeFailures:  &src.Timing.MaxProbeFailures,
		&dst.Game.Height:              &src.Game.Height,
		&dst.Game.BaseFPS:             &src.Game.BaseFPS,
	}
}

// envInts: 环境变量名（去前缀）到整数字段。
func envInts(c *Config) map[string]*int {
	return map[string]*int{
		"TRACK_WIDTH":                &c.Track.Width,
		"TRACK_CAPACITY":             &c.Track.Capacity,
		"TRACK_LOW_WATER":            &c.Track.LowWater,
		"TRACK_HIGH_WATER":           &c.Track.HighWater,
		"TRACK_PRIME_ROWS":           &c.Track.PrimeRows,
		"TRACK_CONTEXT_ROWS":         &c.Track.ContextRows,
		"TRACK_SEGMENT_ROWS":         &c.Track.SegmentRows,
		"TRACK_BYTES_PER_TOKEN":      &c.Track.BytesPerToken,
		"TIMING_CHUNK_TIMEOUT_MS":    &c.Timing.ChunkTimeoutMS,
		"TIMING_TOTAL_TIMEOUT_MS":    &c.Timing.TotalTimeoutMS,
		"TIMING_PRIME_TIMEOUT_MS":    &c.Timing.PrimeTimeoutMS,
		"TIMING_COOLDOWN_MS":         &c.Timing.CooldownMS,
		"TIMING_STARVATION_GRACE_MS": &c.Timing.StarvationGraceMS,
		"TIMING_MAX_PROBE_FAILURES":  &c.Timing.MaxProbeFailures,
		"GAME_HEIGHT":                &c.Game.Height,
		"GAME_BASE_FPS":              &c.Game.BaseFPS,
	}
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合，其余忽略）。
// 前缀 TOKENRACER_；支持 LLM, LOG_LEVEL, RECORD, TRACK_*, TIMING_*, GAME_*, COMPONENTS_*，
// 以及 PROVIDER__<name>__CLIENT / PROVIDER__<name>__LIMITS_{RPM,TPM,MAX_TOKENS_PER_REQ} / PROVIDER__<name>__OPTIONS_JSON。
// 数值无法解析时返回错误（而非静默忽略）。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	ints := envInts(&over)
	prov := map[string]Provider{}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[len(EnvPrefix):eq]
		val := kv[eq+1:]
		if strings.TrimSpace(val) == "" {
			// 空值视为未设置（.env 模板中的占位键）
			continue
		}
		if p, ok := ints[key]; ok {
			v, err := atoi(val)
			if err != nil {
				return over, fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
			}
			*p = v
			continue
		}
		switch key {
		case "LLM":
			over.LLM = strings.TrimSpace(val)
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "RECORD":
			b, err := strconv.ParseBool(strings.TrimSpace(val))
			if err != nil {
				return over, fmt.Errorf("env %sRECORD: %w", EnvPrefix, err)
			}
			over.Record = b
		case "TRACK_SEED":
			v, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
			if err != nil {
				return over, fmt.Errorf("env %sTRACK_SEED: %w", EnvPrefix, err)
			}
			over.Track.Seed = v
		case "COMPONENTS_PROMPT_BUILDER":
			over.Components.PromptBuilder = strings.TrimSpace(val)
		case "COMPONENTS_WRITER":
			over.Components.Writer = strings.TrimSpace(val)
		default:
			// provider.* 路径：PROVIDER__name__FOO
			if !strings.HasPrefix(key, "PROVIDER__") {
				continue
			}
			parts := strings.Split(key, "__")
			if len(parts) < 3 {
				continue
			}
			name := strings.TrimSpace(parts[1])
			field := strings.Join(parts[2:], "__")
			p := prov[name]
			changed := false
			switch field {
			case "CLIENT":
				if tv := strings.TrimSpace(val); tv != "" {
					p.Client = tv
					changed = true
				}
			case "LIMITS_RPM", "LIMITS_TPM", "LIMITS_MAX_TOKENS_PER_REQ":
				v, err := atoi(val)
				if err != nil {
					return over, fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
				}
				switch field {
				case "LIMITS_RPM":
					p.Limits.RPM = v
				case "LIMITS_TPM":
					p.Limits.TPM = v
				default:
					p.Limits.MaxTokensPerReq = v
				}
				changed = true
			case "OPTIONS_JSON":
				// 原样 JSON；空值视为未设置，避免清空现有配置
				if strings.TrimSpace(val) != "" {
					if !json.Valid([]byte(val)) {
						return over, fmt.Errorf("env %s%s: invalid json", EnvPrefix, key)
					}
					p.Options = json.RawMessage(val)
					changed = true
				}
			}
			// 仅在发生有效变更时记录该 provider；避免空值覆盖 config.json
			if changed {
				prov[name] = p
			}
		}
	}
	if len(prov) > 0 {
		over.Provider = prov
	}
	return over, nil
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func atoi(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
