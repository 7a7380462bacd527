package contract

import "errors"

// 通用哨兵：调用方以 errors.Is 判定，日志分类见 internal/diag.Classify。
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
	// ErrSeqInvalid: 入缓冲的行序号未严格递增。
	ErrSeqInvalid = errors.New("sequence invalid")
	// ErrInvariantViolation: 领域不变量违例（例如控制器重复启动）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrPathInvalid: 录制工件标识映射为绝对路径或 '..' 逃逸。
	ErrPathInvalid = errors.New("path invalid")
)

// 流水线错误分类：
//   - ErrEndpoint: 连接/鉴权/协议失败，可恢复，触发兜底；
//   - ErrTimeout: 单块或整体超时，可恢复，触发兜底；
//   - ErrParse: 片段文本不合法，仅在解析器内部记账，从不上抛；
//   - ErrBufferStarvation: 内部信号，缓冲低于低水位过久。
var (
	ErrEndpoint         = errors.New("endpoint error")
	ErrTimeout          = errors.New("timeout")
	ErrParse            = errors.New("parse error")
	ErrBufferStarvation = errors.New("buffer starvation")
)

// UpstreamError: 远端 HTTP 失败的诊断信息（状态码 + 截断后的响应消息），供日志字段使用。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}
