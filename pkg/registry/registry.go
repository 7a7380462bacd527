package registry

import (
	"bytes"
	"encoding/json"

	"tokenracer/pkg/contract"
	flaky "tokenracer/plugins/llmclient/flaky"
	gmi "tokenracer/plugins/llmclient/gemini"
	mock "tokenracer/plugins/llmclient/mock"
	offline "tokenracer/plugins/llmclient/offline"
	oai "tokenracer/plugins/llmclient/openai"
	replay "tokenracer/plugins/llmclient/replay"
	prt "tokenracer/plugins/prompt/racetrack"
	wfs "tokenracer/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewPromptBuilder 工厂签名：接收原样 JSON Options。
type NewPromptBuilder func(raw json.RawMessage) (contract.PromptBuilder, error)

// NewLLMStreamer 工厂签名：接收原样 JSON Options。
type NewLLMStreamer func(raw json.RawMessage) (contract.LLMStreamer, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// PromptBuilder 工厂注册表（显式、零反射）。
var PromptBuilder = map[string]NewPromptBuilder{
	// racetrack: 赛道续写提示词（system 规则 + 最近几行上下文）
	"racetrack": func(raw json.RawMessage) (contract.PromptBuilder, error) {
		var opts prt.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return prt.New(&opts)
	},
}

// LLMStreamer 流式传输注册表。
// offline 与远端实现同一接口：离线时整条管线保持不变，只换数据来源。
var LLMStreamer = map[string]NewLLMStreamer{
	"openai":  func(raw json.RawMessage) (contract.LLMStreamer, error) { return oai.New(raw) },
	"gemini":  func(raw json.RawMessage) (contract.LLMStreamer, error) { return gmi.New(raw) },
	"mock":    func(raw json.RawMessage) (contract.LLMStreamer, error) { return mock.New(raw) },
	"flaky":   func(raw json.RawMessage) (contract.LLMStreamer, error) { return flaky.New(raw) },
	"offline": func(raw json.RawMessage) (contract.LLMStreamer, error) { return offline.New(raw) },
	// replay: 回放录制目录中的 .track 文件
	"replay": func(raw json.RawMessage) (contract.LLMStreamer, error) { return replay.New(raw) },
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 赛道录制目录（原子替换 + 保留最近 N 局）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
