package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Track   Track   `json:"track"`
	Timing  Timing  `json:"timing"`
	Game    Game    `json:"game"`
	Logging Logging `json:"logging"`
	// Record: 是否录制本局赛道（写入 writer 配置的目录）。
	Record bool `json:"record"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`

	// LLM Provider 选择与定义。
	LLM      string              `json:"llm"`
	Provider map[string]Provider `json:"provider"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Track: 赛道与缓冲参数（单位：行）。
type Track struct {
	Width       int `json:"width"`
	Capacity    int `json:"capacity"`
	LowWater    int `json:"low_water"`
	HighWater   int `json:"high_water"`
	PrimeRows   int `json:"prime_rows"`
	ContextRows int `json:"context_rows"`
	SegmentRows int `json:"segment_rows"`
	// Seed: 兜底生成器种子；0 表示按时间取种。
	Seed          uint64 `json:"seed"`
	BytesPerToken int    `json:"bytes_per_token"`
}

// Timing: 超时与恢复参数（毫秒）。
type Timing struct {
	ChunkTimeoutMS    int `json:"chunk_timeout_ms"`
	TotalTimeoutMS    int `json:"total_timeout_ms"`
	PrimeTimeoutMS    int `json:"prime_timeout_ms"`
	CooldownMS        int `json:"cooldown_ms"`
	StarvationGraceMS int `json:"starvation_grace_ms"`
	MaxProbeFailures  int `json:"max_probe_failures"`
}

// Game: 渲染循环参数。
type Game struct {
	Height  int `json:"height"`   // 可见行数
	BaseFPS int `json:"base_fps"` // 1 档滚动基准（乘以档位倍率）
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	PromptBuilder string `json:"prompt_builder"`
	Writer        string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	PromptBuilder json.RawMessage `json:"prompt_builder"`
	Writer        json.RawMessage `json:"writer"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM             int `json:"rpm"`
	TPM             int `json:"tpm"`
	MaxTokensPerReq int `json:"max_tokens_per_req"`
}
