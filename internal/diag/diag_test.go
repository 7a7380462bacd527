package diag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tokenracer/pkg/contract"
)

// UT-DIAG-01: 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	defer w.Close()
	if err := w.WriteLine([]byte("first line that is very long")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := w.WriteLine([]byte("second")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("应存在轮转文件, got %d", len(files))
	}
}

// 单行超过上限时不对空文件轮转
func TestRotatingFileOversizedFirstLine(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 4)
	defer w.Close()
	if err := w.WriteLine([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ents, _ := os.ReadDir(dir)
	if len(ents) != 1 || ents[0].Name() != "tokenracer-current.txt" {
		t.Fatalf("空文件不应轮转, got %v", ents)
	}
}

// 历史文件按 maxBackups 清理
func TestRotatingFilePrune(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10)
	w.maxBackups = 2
	defer w.Close()
	for i := 0; i < 8; i++ {
		if err := w.WriteLine([]byte(fmt.Sprintf("line-%02d-xxxxxx", i))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	hasCurrent := false
	rotated := 0
	for _, e := range ents {
		switch {
		case e.Name() == "tokenracer-current.txt":
			hasCurrent = true
		case strings.HasPrefix(e.Name(), "tokenracer-") && strings.HasSuffix(e.Name(), ".txt"):
			rotated++
		}
	}
	if !hasCurrent {
		t.Fatalf("缺少 current 文件")
	}
	if rotated != 2 {
		t.Fatalf("历史文件应保留 2 个, got %d", rotated)
	}
}

// 直接覆盖 ensureOpen 与 rotate 内部分支
func TestRotatingFileEnsureAndRotate(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 1024)
	if err := w.ensureOpen(); err != nil {
		t.Fatalf("ensureOpen: %v", err)
	}
	if w.f == nil {
		t.Fatalf("file should be opened")
	}
	if err := w.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(ents) < 2 {
		t.Fatalf("expect >=2 files, got %d", len(ents))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("重复 close 应安全: %v", err)
	}
}

// UT-DIAG-02: 指标计数与快照
func TestMetricsSnapshot(t *testing.T) {
	ResetMetrics()
	defer ResetMetrics()
	IncOp("stream", "segment", "success")
	IncOp("stream", "segment", "success")
	IncError("stream", "timeout")
	ObserveDuration("stream", "segment", 15)
	ObserveDuration("stream", "segment", 5)
	got := map[string]int64{}
	snap := Snapshot()
	for i, m := range snap {
		got[m.Name] = m.Value
		if i > 0 && snap[i-1].Name > m.Name {
			t.Fatalf("快照应按名称排序: %v", snap)
		}
	}
	if got["op_total/stream/segment/success"] != 2 {
		t.Fatalf("op_total 计数错误: %v", got)
	}
	if got["error_total/stream/timeout"] != 1 {
		t.Fatalf("error_total 计数错误: %v", got)
	}
	if got["op_duration_ms/stream/segment"] != 20 {
		t.Fatalf("耗时累计错误: %v", got)
	}
}

// 错误分类
func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{contract.ErrResponseInvalid, CodeProtocol},
		{context.Canceled, CodeCancel},
		{context.DeadlineExceeded, CodeTimeout},
		{fmt.Errorf("%w: %w", contract.ErrEndpoint, contract.ErrTimeout), CodeTimeout},
		{fmt.Errorf("%w: %w", contract.ErrEndpoint, contract.ErrRateLimited), CodeBudget},
		{contract.ErrBufferStarvation, CodeStarvation},
		{contract.ErrParse, CodeParse},
		{contract.ErrSeqInvalid, CodeInvariant},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{&net.DNSError{Err: "x", IsTimeout: true}, CodeTimeout},
		{fmt.Errorf("%w: boom", contract.ErrEndpoint), CodeEndpoint},
		{errors.New("other"), CodeUnknown},
	}
	for i, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("case %d: 分类错误 got=%s want=%s", i, got, c.want)
		}
	}
}

// Logger 基本流程（写入轮转文件并可解析为 JSON）
func TestLoggerWritesJSON(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger("corr", "debug", dir)
	timer := l.Start("comp", "msg")
	timer.Finish("ok", 1)
	timer = l.StartWithKV("comp", "msg", "req-1", map[string]string{"k": "v"})
	timer.Finish("ok", 1)
	l.Error("comp", "code", "msg", nil)
	now := time.Now()
	l.ErrorWithKV("comp", "code", "msg", &now, "req-1", map[string]string{"http_status": "500"})
	l.Degrade("buffer", "evict", "oldest row evicted", 1)
	l.Transition("controller", "STREAMING", "DEGRADED_FALLBACK", "timeout")
	l.InfoFinish("comp", "msg", time.Now(), 1)
	l.DebugStart("comp", "msg", "req-1", nil)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "tokenracer-current.txt"))
	if err != nil {
		t.Fatalf("读取日志失败: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 10 {
		t.Fatalf("日志行数错误: %d", len(lines))
	}
	var sawTransition bool
	for _, ln := range lines {
		var ev Event
		if err := json.Unmarshal([]byte(ln), &ev); err != nil {
			t.Fatalf("非 JSON 行: %q", ln)
		}
		if ev.CorrID != "corr" {
			t.Fatalf("corr_id 缺失: %q", ln)
		}
		if ev.Stage == "transition" {
			sawTransition = true
			if ev.Status != "DEGRADED_FALLBACK" || ev.KV["reason"] != "timeout" || ev.Level != "warn" {
				t.Fatalf("transition 事件字段错误: %+v", ev)
			}
		}
	}
	if !sawTransition {
		t.Fatalf("缺少 transition 事件")
	}
}

// 级别过滤与 nil 接收者
func TestLoggerLevelAndNil(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger("c", "error", dir)
	l.Start("comp", "ignored").Finish("ignored", 0)
	l.Degrade("comp", "x", "ignored", 1)
	l.Error("comp", "code", "kept", nil)
	_ = l.Close()
	b, _ := os.ReadFile(filepath.Join(dir, "tokenracer-current.txt"))
	if n := strings.Count(string(b), "\n"); n != 1 {
		t.Fatalf("level=error 仅应输出 1 行, got %d", n)
	}

	var nl *Logger
	nl.Start("comp", "msg").Finish("ok", 0)
	nl.Transition("c", "a", "b", "")
	if err := nl.Close(); err != nil {
		t.Fatalf("nil logger close: %v", err)
	}
}

func TestNowUTC(t *testing.T) {
	if _, err := time.Parse(time.RFC3339, NowUTC()); err != nil {
		t.Fatalf("应返回 RFC3339 时间: %v", err)
	}
}

// UT-DIAG-03: 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("strings.Builder 不应识别为 TTY")
	}
	term.RunStart("mock", 24)
	term.PrimeProgress(3, 8, "STREAMING") // 非 TTY 不输出进度
	term.PrimeFinish(8, "DEGRADED_FALLBACK", 1500*time.Millisecond)
	term.RunFinish(Summary{Crashed: true, Score: 1234, Gear: "3", Speed: 1.5, Tokens: 12000, Status: "STREAMING", Dur: 90 * time.Millisecond})
	out := sb.String()
	for _, want := range []string{"TOKEN RACER", "llm=mock", "初始赛道 8 行", "offline mode", "1.5s", "CRASH! GAME OVER", "1,234", "12,000", "90ms", "racing legend"} {
		if !strings.Contains(out, want) {
			t.Fatalf("输出缺少 %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\r") || strings.Contains(out, "\x1b[") {
		t.Fatalf("非 TTY 不应包含覆盖或颜色控制符:\n%q", out)
	}
}

func TestTerminalDisabledAndNil(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, false)
	term.RunStart("x", 1)
	term.Errorf("boom %d", 1)
	term.RunFinish(Summary{})
	if sb.Len() != 0 {
		t.Fatalf("disabled 终端不应输出: %q", sb.String())
	}
	var nt *Terminal
	nt.RunStart("x", 1)
	nt.RunFinish(Summary{})
}

func TestVerdictBands(t *testing.T) {
	if !strings.Contains(verdict(50), "beginner") || !strings.Contains(verdict(150), "Good run") ||
		!strings.Contains(verdict(300), "Excellent") || !strings.Contains(verdict(501), "legend") {
		t.Fatalf("评语分档错误")
	}
}
