// Package replay 把录制目录中的 .track 文件当作传输回放：
// 每次调用按顺序吐出下一段已录制的道路行，便于复现某一局或离线演示。
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tokenracer/pkg/contract"
	"tokenracer/plugins/llmclient/mock"
)

// Options: 回放参数。
type Options struct {
	// Paths: .track 文件或目录；目录按字典序递归收集 *.track。
	Paths []string `json:"paths"`
	// ExcludeDirNames: 递归时跳过的目录基名（大小写不敏感）。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	BufSize         int      `json:"buf_size"`     // 默认 64KiB
	SegmentRows     int      `json:"segment_rows"` // 默认 8
	ChunkSize       int      `json:"chunk_size"`   // 默认 16 字节
	DelayMS         int      `json:"delay_ms"`
	// Once: 回放完毕后不再从头开始，后续调用返回 ErrEndpoint。
	Once bool `json:"once"`
}

// ErrExhausted: Once 模式下录制行已全部回放。
var ErrExhausted = errors.New("replay exhausted")

type Client struct {
	rows  []string
	seg   int
	chunk int
	delay time.Duration
	once  bool

	mu  sync.Mutex
	off int
}

func New(raw json.RawMessage) (contract.LLMStreamer, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("replay options: %w", err)
		}
	}
	return Load(context.Background(), o)
}

// Load 读取全部录制行并构造客户端。没有任何可用行时报 ErrInvalidInput。
func Load(ctx context.Context, o Options) (*Client, error) {
	if o.SegmentRows <= 0 {
		o.SegmentRows = 8
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 16
	}
	s := newScanner(o.BufSize, o.ExcludeDirNames)
	for _, p := range o.Paths {
		if err := s.collect(ctx, p); err != nil {
			return nil, err
		}
	}
	if len(s.rows) == 0 {
		return nil, fmt.Errorf("%w: replay has no rows in %v", contract.ErrInvalidInput, o.Paths)
	}
	return &Client{
		rows:  s.rows,
		seg:   o.SegmentRows,
		chunk: o.ChunkSize,
		delay: time.Duration(o.DelayMS) * time.Millisecond,
		once:  o.Once,
	}, nil
}

// Rows 返回已加载的行数。
func (c *Client) Rows() int { return len(c.rows) }

// InvokeStream 忽略 Prompt，返回接下来 SegmentRows 行（每行 "|...|\n"）。
func (c *Client) InvokeStream(ctx context.Context, _ contract.Prompt) (contract.RawStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	var sb strings.Builder
	for i := 0; i < c.seg; i++ {
		if c.off >= len(c.rows) {
			if c.once {
				break
			}
			c.off = 0
		}
		sb.WriteString(c.rows[c.off])
		sb.WriteByte('\n')
		c.off++
	}
	c.mu.Unlock()
	if sb.Len() == 0 {
		return nil, fmt.Errorf("%w: %w", contract.ErrEndpoint, ErrExhausted)
	}
	return mock.NewTextStream(ctx, sb.String(), c.chunk, c.delay), nil
}

type scanner struct {
	bufSize    int
	excludeDir map[string]struct{}
	rows       []string
}

func newScanner(bufSize int, exclude []string) *scanner {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	ex := make(map[string]struct{}, len(exclude))
	for _, name := range exclude {
		if name == "" {
			continue
		}
		ex[strings.ToLower(name)] = struct{}{}
	}
	return &scanner{bufSize: bufSize, excludeDir: ex}
}

func (s *scanner) collect(ctx context.Context, root string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// 显式给出的文件即使不带 .track 后缀也读取；符号链接跟随到目标
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return s.walkDir(ctx, root)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	return s.readFile(root)
}

func (s *scanner) walkDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	// 先文件后子目录，录制目录通常是平铺的
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".track") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		// 目录内的符号链接只接受指向常规文件的
		if e.Type()&os.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil {
				return err
			}
			if !t.Mode().IsRegular() {
				continue
			}
		} else if !e.Type().IsRegular() {
			continue
		}
		if err := s.readFile(p); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, skip := s.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		if err := s.walkDir(ctx, filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (s *scanner) readFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.readRows(f)
}

// readRows 仅保留以 '|' 开头的非空行；合法性由下游解析器判定。
func (s *scanner) readRows(r io.Reader) error {
	sc := bufio.NewScanner(bufio.NewReaderSize(r, s.bufSize))
	sc.Buffer(make([]byte, 0, 4096), s.bufSize)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "|") {
			s.rows = append(s.rows, line)
		}
	}
	return sc.Err()
}

var _ contract.LLMStreamer = (*Client)(nil)
