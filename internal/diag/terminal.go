package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Terminal: 游戏开始前/结束后的终端提示（非日志；对局期间屏幕由游戏占用）。
// - 输出到提供的 io.Writer（默认 stderr）。
// - TTY: 进度单行 \r 覆盖并着色；非 TTY: 关键节点分行打印、无颜色。
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool
	width   int

	lastLen   int
	lastFlush time.Time

	p     *message.Printer
	title *color.Color
	info  *color.Color
	good  *color.Color
	bad   *color.Color

	mu sync.Mutex
}

// NewTerminal 构造终端提示器。
// enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{
		w:       w,
		enabled: enabled,
		width:   80,
		p:       message.NewPrinter(language.English),
		title:   color.New(color.FgYellow, color.Bold),
		info:    color.New(color.FgCyan),
		good:    color.New(color.FgGreen),
		bad:     color.New(color.FgRed, color.Bold),
	}
	// CI 环境视为非 TTY
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			t.isTTY = true
			if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 {
				t.width = cols
			}
		}
	}
	if !t.isTTY {
		for _, c := range []*color.Color{t.title, t.info, t.good, t.bad} {
			c.DisableColor()
		}
	}
	return t
}

// RunStart: 记录运行上下文（provider 名、行宽）。
func (t *Terminal) RunStart(llm string, width int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.println(t.title.Sprint(t.center("TOKEN RACER")))
	t.println(t.info.Sprintf("[track] llm=%s | width=%d | 正在生成初始赛道…", safe(llm), width))
}

// PrimeProgress: 初始赛道填充进度（TTY 单行覆盖，≥100ms 节流）。
func (t *Terminal) PrimeProgress(rows, target int, status string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || !t.isTTY {
		return
	}
	now := time.Now()
	if rows < target && now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("[track] %d/%d 行 | %s", rows, target, status))
}

// PrimeFinish: 初始赛道就绪。
func (t *Terminal) PrimeFinish(rows int, status string, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	line := fmt.Sprintf("[ready] 初始赛道 %d 行 | %s | 用时 %s", rows, status, formatDur(dur))
	if status == "STREAMING" {
		t.println(t.good.Sprint(line))
	} else {
		t.println(t.bad.Sprint(line + " | offline mode"))
	}
}

// Summary: 对局结束汇总。
type Summary struct {
	Crashed      bool
	Score        int
	Gear         string
	Speed        float64
	Tokens       int64
	RemoteRows   int64
	FallbackRows int64
	Evicted      int64
	Stalls       int64
	Status       string
	Dur          time.Duration
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(s Summary) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if s.Crashed {
		t.println(t.bad.Sprint(t.center("CRASH! GAME OVER")))
	} else {
		t.println(t.title.Sprint(t.center("RACE ENDED")))
	}
	t.println(t.p.Sprintf("[score] %d | 档位 %s | 速度 %.1fx | 用时 %s", s.Score, s.Gear, s.Speed, formatDur(s.Dur)))
	t.println(t.info.Sprint(t.p.Sprintf("[track] tokens≈%d | remote %d 行 | fallback %d 行 | evicted %d | stalls %d | %s",
		s.Tokens, s.RemoteRows, s.FallbackRows, s.Evicted, s.Stalls, s.Status)))
	t.println(t.good.Sprint(verdict(s.Score)))
}

func verdict(score int) string {
	switch {
	case score > 500:
		return "Outstanding! You're a racing legend!"
	case score > 200:
		return "Excellent driving! You've mastered the gears!"
	case score > 100:
		return "Good run! Keep practicing those gear shifts!"
	default:
		return "Not bad for a beginner! Try using higher gears for more points!"
	}
}

// Errorf: 启动期错误提示（红色）。
func (t *Terminal) Errorf(format string, a ...any) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.println(t.bad.Sprintf(format, a...))
}

// 内部输出工具
func (t *Terminal) println(s string) {
	if !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		// 写失败即禁用
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if !t.enabled {
		return
	}
	// 清尾：若新行比旧短，填充空格覆盖
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	if pad > 0 {
		b.WriteString(strings.Repeat(" ", pad))
	}
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

func (t *Terminal) center(s string) string {
	n := (t.width - visLen(s)) / 2
	if n <= 0 {
		return s
	}
	return strings.Repeat(" ", n) + s
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	// 避免换行等控制字符污染终端
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return s
}

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms <= 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	// 秒，保留 1 位小数
	s := float64(d.Milliseconds()) / 1000.0
	return fmt.Sprintf("%.1fs", s)
}
