package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 默认使用 offline 传输（无网络即可游玩），openrouter/gemini 给出完整选项键；
// - 录制关闭，开启后写入 ./tracks，只保留最近 20 局；
// - 选项给出安全中性默认值。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Track:      d.Track,
		Timing:     d.Timing,
		Game:       d.Game,
		Logging:    Logging{Level: "info"},
		Components: d.Components,
		LLM:        "offline",
		Provider: map[string]Provider{
			"offline": {
				Client:  "offline",
				Options: json.RawMessage(`{"segment_rows": 30, "chunk_size": 16, "delay_ms": 5}`),
			},
			"openrouter": {
				Client: "openai",
				Options: json.RawMessage(`{
  "base_url": "https://openrouter.ai/api/v1",
  "model": "qwen/qwen3-32b",
  "api_key_env": "OPENROUTER_API_KEY",
  "api_key": "",
  "timeout_seconds": 30,
  "temperature": 0.7,
  "max_tokens": 450,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {},
  "extra_body": {"provider": {"only": ["Cerebras"]}, "top_k": 30}
}`),
				Limits: Limits{RPM: 30, TPM: 60000, MaxTokensPerReq: 2048},
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "",
  "api_key": "",
  "endpoint_path": "",
  "timeout_seconds": 30,
  "api_key_in_query": true,
  "extra_headers": {},
  "extra_query": {}
}`),
				Limits: Limits{RPM: 15, TPM: 0, MaxTokensPerReq: 0},
			},
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"segment_rows": 30, "chunk_size": 12, "delay_ms": 2}`),
			},
			"flaky": {
				Client:  "flaky",
				Options: json.RawMessage(`{"fail_first": 2, "mode": "error", "segment_rows": 30}`),
			},
			"replay": {
				Client:  "replay",
				Options: json.RawMessage(`{"paths": ["tracks"], "exclude_dir_names": [], "segment_rows": 30, "delay_ms": 20, "once": false}`),
			},
		},
	}
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "inline_user_template": "",
  "user_template_path": "",
  "context_rows": 5
}`)
	cfg.Options.Writer = json.RawMessage(`{
  "dir": "tracks",
  "atomic": true,
  "keep": 20,
  "perm_file": 0,
  "perm_dir": 0
}`)
	return cfg
}
