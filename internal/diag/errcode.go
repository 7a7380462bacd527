package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"tokenracer/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown    Code = "unknown"
	CodeTimeout    Code = "timeout"
	CodeStarvation Code = "starvation"
	CodeBudget     Code = "budget"
	CodeProtocol   Code = "protocol"
	CodeParse      Code = "parse"
	CodeInvariant  Code = "invariant"
	CodeNetwork    Code = "network"
	CodeEndpoint   Code = "endpoint"
	CodeCancel     Code = "cancel"
	CodeIO         Code = "io"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
// 顺序：越具体的原因越优先（ErrEndpoint 往往包裹着更具体的原因）。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, contract.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrBufferStarvation) {
		return CodeStarvation
	}
	if errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrParse) {
		return CodeParse
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrSeqInvalid) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return CodeTimeout
		}
		return CodeNetwork
	}
	if errors.Is(err, contract.ErrEndpoint) {
		return CodeEndpoint
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
