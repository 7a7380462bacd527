package contract

import (
	"context"
	"io"
)

// ArtifactID: 持久化工件标识（例如一次对局的赛道录制文件名）。
type ArtifactID string

// Writer: 将结果以流式方式持久化到目标介质。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 流式写入，按字节透传；
//  3. ctx 取消/超时需尽快返回；
//  4. 错误直接上抛（不做重试）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}
