package replay

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tokenracer/internal/track"
	"tokenracer/pkg/contract"
)

func drain(t *testing.T, c *Client, p *track.Parser) []contract.RoadRow {
	t.Helper()
	s, err := c.InvokeStream(context.Background(), contract.TextPrompt(""))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	defer s.Close()
	var rows []contract.RoadRow
	for {
		chunk, done, err := s.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		rows = append(rows, p.Feed(chunk)...)
		if done {
			break
		}
	}
	return append(rows, p.Flush()...)
}

func writeTrack(t *testing.T, path string, rows ...string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(strings.Join(rows, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// 单文件按段回放，非赛道行被忽略；读尽后从头循环
func TestReplaySegmentsAndLoop(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "a.track")
	writeTrack(t, fp, "|    |", "# comment", "|## *|", "|[  ]|")
	c, err := Load(context.Background(), Options{Paths: []string{fp}, SegmentRows: 2, ChunkSize: 3})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Rows() != 3 {
		t.Fatalf("行数错误: %d", c.Rows())
	}
	p := track.NewParser(4, nil)
	first := drain(t, c, p)
	second := drain(t, c, p)
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("段长错误: %d %d", len(first), len(second))
	}
	if first[1].String() != "|## *|" || second[0].String() != "|[  ]|" || second[1].String() != "|    |" {
		t.Fatalf("回放顺序错误: %q %q %q", first[1].String(), second[0].String(), second[1].String())
	}
}

// 目录递归按字典序收集 *.track，跳过排除目录
func TestReplayDirOrderAndExclude(t *testing.T) {
	dir := t.TempDir()
	writeTrack(t, filepath.Join(dir, "b.track"), "|BB|")
	writeTrack(t, filepath.Join(dir, "a.track"), "|AA|")
	writeTrack(t, filepath.Join(dir, "a.track.jsonl"), "|JJ|")
	writeTrack(t, filepath.Join(dir, "sub", "c.track"), "|CC|")
	writeTrack(t, filepath.Join(dir, "skip", "d.track"), "|DD|")

	c, err := Load(context.Background(), Options{Paths: []string{dir}, ExcludeDirNames: []string{"SKIP"}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got := strings.Join(c.rows, ",")
	if got != "|AA|,|BB|,|CC|" {
		t.Fatalf("收集结果错误: %s", got)
	}
}

// Once 模式读尽后返回 ErrEndpoint
func TestReplayOnceExhausted(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "x.track")
	writeTrack(t, fp, "|  |")
	c, err := Load(context.Background(), Options{Paths: []string{fp}, SegmentRows: 4, Once: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rows := drain(t, c, track.NewParser(2, nil)); len(rows) != 1 {
		t.Fatalf("应只回放 1 行: %d", len(rows))
	}
	_, err = c.InvokeStream(context.Background(), contract.TextPrompt(""))
	if !errors.Is(err, contract.ErrEndpoint) || !errors.Is(err, ErrExhausted) {
		t.Fatalf("应返回 ErrEndpoint+ErrExhausted: %v", err)
	}
}

func TestReplayEmptyRejected(t *testing.T) {
	_, err := Load(context.Background(), Options{Paths: []string{t.TempDir()}})
	if !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("无行时应报 ErrInvalidInput: %v", err)
	}
	if _, err := New([]byte(`{"paths":["/definitely/missing.track"]}`)); err == nil {
		t.Fatalf("缺失文件应报错")
	}
}
