package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingFile 将日志行写入指定目录，并按文件大小轮转。
//   - 当前文件：<prefix>-current.txt
//   - 轮转：size+len(line) 超过 maxBytes 时重命名为 <prefix>-<UTC 时间戳>.txt，并重新创建当前文件；
//   - 仅保留最近 maxBackups 个历史文件（<=0 表示不清理）。
type RotatingFile struct {
	dir        string
	prefix     string
	maxBytes   int64
	maxBackups int
	mu         sync.Mutex
	f          *os.File
	curSize    int64
}

// NewRotatingFile 使用默认前缀 tokenracer，保留 5 个历史文件。
func NewRotatingFile(dir string, maxBytes int64) *RotatingFile {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024 // 10 MiB 默认
	}
	return &RotatingFile{dir: dir, prefix: "tokenracer", maxBytes: maxBytes, maxBackups: 5}
}

func (w *RotatingFile) currentName() string {
	return filepath.Join(w.dir, w.prefix+"-current.txt")
}

func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	lineLen := int64(len(b) + 1)
	if err := w.ensureOpen(); err != nil {
		return err
	}
	if w.curSize > 0 && w.curSize+lineLen > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	n, err := w.f.Write(append(b, '\n'))
	if err != nil {
		return err
	}
	w.curSize += int64(n)
	return nil
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.currentName(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.curSize = 0
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.ensureOpen()
	}
	_ = w.f.Close()
	w.f = nil
	// 高精度时间戳，避免同秒冲突覆盖
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	rotated := filepath.Join(w.dir, fmt.Sprintf("%s-%s.txt", w.prefix, ts))
	if err := os.Rename(w.currentName(), rotated); err != nil {
		return fmt.Errorf("rename rotated file: %w", err)
	}
	w.prune()
	return w.ensureOpen()
}

// prune 删除超出 maxBackups 的最旧历史文件（时间戳命名，字典序即时间序）。
func (w *RotatingFile) prune() {
	if w.maxBackups <= 0 {
		return
	}
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	var old []string
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, w.prefix+"-") || name == w.prefix+"-current.txt" {
			continue
		}
		old = append(old, name)
	}
	if len(old) <= w.maxBackups {
		return
	}
	sort.Strings(old)
	for _, name := range old[:len(old)-w.maxBackups] {
		_ = os.Remove(filepath.Join(w.dir, name))
	}
}

// Close 关闭当前打开的文件句柄
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil {
		err := w.f.Close()
		w.f = nil
		return err
	}
	return nil
}
