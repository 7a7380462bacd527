package contract

import "context"

// LLMStreamer: 传输层能力，以 Prompt 为单位建立一次流式会话。
// 远端模型、离线生成器与录制回放都实现该接口，控制器无需区分来源。
// ctx 结束后 RawStream.Next 必须尽快返回错误。
type LLMStreamer interface {
	InvokeStream(ctx context.Context, p Prompt) (RawStream, error)
}

// RawStream: 只读顺序拉取；调用方负责在用毕后 Close。
// 有限、不可重启：done=true 之后不再产生数据。
type RawStream interface {
	Next() (chunk string, done bool, err error)
	Close() error
}

// TrackStreamer: 给定上游历史，流式产出道路文本。
// stream.Client 在 LLMStreamer 之上加入提示词、超时与限流，控制器只依赖这一层。
type TrackStreamer interface {
	StreamSegment(ctx context.Context, gc GenerationContext) (RawStream, error)
}

// ContextStreamer: 传输的可选能力。本地传输（如 offline）不解析提示词，
// 直接从生成上下文读取难度与上一行；stream.Client 检测到该能力时优先调用。
type ContextStreamer interface {
	InvokeSegment(ctx context.Context, p Prompt, gc GenerationContext) (RawStream, error)
}
