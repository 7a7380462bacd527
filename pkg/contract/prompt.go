package contract

import "context"

// Prompt: 不透明载荷，由 PromptBuilder 与传输配对解释。
// 远端传输识别 TextPrompt 与 ChatPrompt；本地传输忽略内容。
type Prompt any

// TextPrompt: 单条用户文本。
type TextPrompt string

// Message: 一条会话消息（role 为 system/user/assistant）。
type Message struct {
	Role    string
	Content string
}

// ChatPrompt: system + user 形式的会话载荷。
type ChatPrompt []Message

// PromptBuilder 由道路历史构造续写请求，纯计算且无 I/O。
type PromptBuilder interface {
	Build(ctx context.Context, gc GenerationContext) (Prompt, error)
	// EstimateOverheadTokens: 与历史无关的固定开销（system 规则）的近似 token 数。
	EstimateOverheadTokens(estimate TokenEstimator) int
}

// TokenEstimator: 文本到 token 数的近似估算，典型实现为 ceil(utf8 字节数 / BytesPerToken)。
type TokenEstimator func(s string) int
