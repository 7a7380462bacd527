// Package sse 读取 text/event-stream 响应体，按事件返回 data 负载。
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// maxLine: 单行上限，超出视为协议错误。
const maxLine = 1 << 20

// ErrLineTooLong 单行超过上限。
var ErrLineTooLong = errors.New("sse: line too long")

// Reader 逐事件读取。仅关心 data 字段；event/id/retry 与注释行忽略。
type Reader struct {
	br   *bufio.Reader
	data []string
}

// NewReader 包装响应体。
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 16<<10)}
}

// Next 返回下一个事件的 data（多行 data 以 \n 连接）；流结束返回 io.EOF。
func (r *Reader) Next() (string, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			if errors.Is(err, io.EOF) && len(r.data) > 0 {
				return r.flush(), nil
			}
			return "", err
		}
		if line == "" {
			if len(r.data) > 0 {
				return r.flush(), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		r.data = append(r.data, strings.TrimPrefix(value, " "))
	}
}

func (r *Reader) flush() string {
	s := strings.Join(r.data, "\n")
	r.data = r.data[:0]
	return s
}

func (r *Reader) readLine() (string, error) {
	var sb strings.Builder
	for {
		frag, isPrefix, err := r.br.ReadLine()
		if err != nil {
			if sb.Len() > 0 && errors.Is(err, io.EOF) {
				return sb.String(), nil
			}
			return "", err
		}
		sb.Write(frag)
		if sb.Len() > maxLine {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}
