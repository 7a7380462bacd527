// Package game 是终端赛车游戏本体：tcell 渲染、键盘输入、按档位滚动赛道。
// 赛道行全部来自 Track（管线控制器）；缓冲为空时重复上一行的中性副本，画面不停顿。
package game

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/gdamore/tcell/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"tokenracer/internal/diag"
	"tokenracer/pkg/contract"
)

// Track: 游戏侧看到的赛道来源。
type Track interface {
	PopNextRow(timeout time.Duration) (contract.RoadRow, bool)
	NotifyConsumed(row contract.RoadRow)
	SetDifficulty(n int)
	Status() contract.PipelineStatus
}

// Options: 游戏参数。零值字段使用默认。
type Options struct {
	Width   int // 行宽（不含框线），必需
	Height  int // 可见行数，必需
	BaseFPS int // 1.0x 倍率下的每秒滚动行数，默认 12

	Tick      time.Duration // 帧间隔，默认 20ms
	PopWait   time.Duration // 每次滚动等待新行的上限，默认 2ms
	CrashHold time.Duration // 撞车画面停留时长；<0 表示不停留，0 使用默认 800ms

	Tokens func() int64     // 可选：HUD 显示的 token 估算
	Now    func() time.Time // 可选：测试注入时钟
	Log    *diag.Logger
}

// Result: 一局的结果。
type Result struct {
	Crashed bool
	Score   int
	Gear    int
	Rows    int64 // 上屏的管线行
	Stalls  int64 // 缓冲为空时补位的行
	Dur     time.Duration
}

const (
	hudRows  = 3
	maxQueue = 64
)

var (
	styleDefault  = tcell.StyleDefault
	styleHeader   = styleDefault.Foreground(tcell.ColorYellow).Bold(true)
	styleInfo     = styleDefault.Foreground(tcell.ColorAqua)
	styleOffline  = styleDefault.Foreground(tcell.ColorRed).Bold(true)
	styleBorder   = styleDefault.Foreground(tcell.ColorSilver)
	styleWall     = styleDefault.Foreground(tcell.ColorOrange)
	styleObstacle = styleDefault.Foreground(tcell.ColorRed)
	stylePlayer   = styleDefault.Foreground(tcell.ColorLime).Bold(true)
	styleCrash    = styleDefault.Foreground(tcell.ColorWhite).Background(tcell.ColorMaroon).Bold(true)
)

type action uint8

const (
	actLeft action = iota
	actRight
	actUp
	actDown
	actGearUp
)

// Game 单局状态；仅由 Run 所在 goroutine 访问。
type Game struct {
	screen tcell.Screen
	track  Track
	opts   Options
	p      *message.Printer

	road       []contract.RoadRow // road[0] 在最上方（最新）
	px, py     int
	gear       int
	score      int
	difficulty int
	queue      []action
	lastScroll time.Time
	crashed    bool
	rows       int64
	stalls     int64
}

// New 构造一局游戏。
func New(screen tcell.Screen, track Track, opts Options) (*Game, error) {
	if screen == nil || track == nil {
		return nil, fmt.Errorf("game: %w: screen and track required", contract.ErrInvalidInput)
	}
	if opts.Width < 1 || opts.Height < 3 {
		return nil, fmt.Errorf("game: %w: width=%d height=%d", contract.ErrInvalidInput, opts.Width, opts.Height)
	}
	if opts.BaseFPS <= 0 {
		opts.BaseFPS = 12
	}
	if opts.Tick <= 0 {
		opts.Tick = 20 * time.Millisecond
	}
	if opts.PopWait <= 0 {
		opts.PopWait = 2 * time.Millisecond
	}
	if opts.CrashHold == 0 {
		opts.CrashHold = 800 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Game{
		screen:     screen,
		track:      track,
		opts:       opts,
		p:          message.NewPrinter(language.English),
		road:       make([]contract.RoadRow, opts.Height),
		px:         opts.Width / 2,
		py:         opts.Height - 3,
		gear:       1,
		difficulty: 1,
	}, nil
}

// Run 运行一局，直到撞车、玩家退出或 ctx 结束。
func (g *Game) Run(ctx context.Context) (Result, error) {
	start := g.opts.Now()
	tm := g.opts.Log.Start("game", "race")
	g.fill()
	g.lastScroll = start
	g.screen.HideCursor()
	g.render()

	events := make(chan tcell.Event, 32)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			ev := g.screen.PollEvent()
			if ev == nil {
				return
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}()

	tick := time.NewTicker(g.opts.Tick)
	defer tick.Stop()

	quit := false
	for !quit && !g.crashed {
		select {
		case <-ctx.Done():
			quit = true
		case ev := <-events:
			switch e := ev.(type) {
			case *tcell.EventResize:
				g.screen.Sync()
			case *tcell.EventKey:
				quit = g.handleKey(e)
			}
		case <-tick.C:
			g.step(g.opts.Now())
			g.render()
		}
	}

	res := g.result(start)
	if g.crashed {
		diag.IncOp("game", "race", "crash")
		g.crashScreen()
		if g.opts.CrashHold > 0 {
			t := time.NewTimer(g.opts.CrashHold)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
		tm.Finish("crash", int64(res.Score))
	} else {
		diag.IncOp("game", "race", "quit")
		tm.Finish("quit", int64(res.Score))
	}
	return res, nil
}

// fill 开局铺满可见区域（自下而上按 Seq 顺序），并把玩家挪到本行最近的可通行格。
func (g *Game) fill() {
	for y := len(g.road) - 1; y >= 0; y-- {
		var prev contract.RoadRow
		if y+1 < len(g.road) {
			prev = g.road[y+1]
		}
		g.road[y] = g.next(prev)
	}
	if x, ok := nearestPassable(g.road[g.py], g.px); ok {
		g.px = x
	}
}

// next 取下一行；缓冲为空时返回 prev 的中性副本。
func (g *Game) next(prev contract.RoadRow) contract.RoadRow {
	row, ok := g.track.PopNextRow(g.opts.PopWait)
	if ok && row.Valid(g.opts.Width) {
		g.track.NotifyConsumed(row)
		g.rows++
		return row
	}
	g.stalls++
	diag.IncOp("game", "scroll", "stall")
	return neutralOf(prev, g.opts.Width)
}

func (g *Game) handleKey(e *tcell.EventKey) bool {
	switch e.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		return true
	case tcell.KeyLeft:
		g.enqueue(actLeft)
	case tcell.KeyRight:
		g.enqueue(actRight)
	case tcell.KeyUp:
		g.enqueue(actUp)
	case tcell.KeyDown:
		g.enqueue(actDown)
	case tcell.KeyRune:
		switch unicode.ToLower(e.Rune()) {
		case 'q':
			return true
		case 'a':
			g.enqueue(actLeft)
		case 'd':
			g.enqueue(actRight)
		case 'w':
			g.enqueue(actUp)
		case 's':
			g.enqueue(actDown)
		case ' ':
			g.enqueue(actGearUp)
		}
	}
	return false
}

func (g *Game) enqueue(a action) {
	if len(g.queue) < maxQueue {
		g.queue = append(g.queue, a)
	}
}

// step 推进一帧：处理输入、碰撞检测、按档位间隔滚动。
func (g *Game) step(now time.Time) {
	g.applyInput()
	if g.collided() {
		g.crashed = true
		return
	}
	if now.Sub(g.lastScroll) >= g.scrollInterval() {
		g.scroll()
		g.lastScroll = now
		if g.collided() {
			g.crashed = true
		}
	}
}

// applyInput 每帧最多处理当前档位允许的输入次数，其余留到下一帧。
func (g *Game) applyInput() {
	n := GearInfo(g.gear).Moves
	if n > len(g.queue) {
		n = len(g.queue)
	}
	for _, a := range g.queue[:n] {
		switch a {
		case actLeft:
			if g.px > 0 {
				g.px--
			}
		case actRight:
			if g.px < g.opts.Width-1 {
				g.px++
			}
		case actUp:
			if g.py > 0 {
				g.py--
			}
		case actDown:
			if g.py < g.opts.Height-1 {
				g.py++
			}
		case actGearUp:
			if g.gear < MaxGear {
				g.gear++
			}
		}
	}
	g.queue = g.queue[n:]
}

func (g *Game) scrollInterval() time.Duration {
	return time.Duration(float64(time.Second) / (float64(g.opts.BaseFPS) * GearInfo(g.gear).FPSMult))
}

// scroll 新行从顶部进入，最下方一行移出；每次滚动得分 += 当前档位。
func (g *Game) scroll() {
	row := g.next(g.road[0])
	copy(g.road[1:], g.road[:len(g.road)-1])
	g.road[0] = row
	g.score += g.gear
	if d := difficultyFor(g.score); d != g.difficulty {
		g.difficulty = d
		g.track.SetDifficulty(d)
	}
}

// collided 玩家所在格不是空路面即撞车（路墙、障碍与框线同样致命）。
func (g *Game) collided() bool {
	row := g.road[g.py]
	if g.px < 0 || g.px >= len(row.Cells) {
		return true
	}
	return !row.Cells[g.px].Passable()
}

func (g *Game) result(start time.Time) Result {
	return Result{
		Crashed: g.crashed,
		Score:   g.score,
		Gear:    g.gear,
		Rows:    g.rows,
		Stalls:  g.stalls,
		Dur:     g.opts.Now().Sub(start),
	}
}

// difficultyFor 每 150 分升一级，最高 5 级。
func difficultyFor(score int) int {
	d := score/150 + 1
	if d > 5 {
		d = 5
	}
	return d
}

// neutralOf 复制 prev 的路墙与框线、清空障碍；无法复制时给出全空行。
func neutralOf(prev contract.RoadRow, width int) contract.RoadRow {
	if len(prev.Cells) != width {
		return contract.NeutralRow(width)
	}
	out := contract.RoadRow{Cells: make([]contract.Cell, width), Source: contract.SourceFiller}
	for i, c := range prev.Cells {
		if c.Kind() == contract.KindObstacle {
			c = contract.CellEmpty
		}
		out.Cells[i] = c
	}
	if out.Traversable() == 0 {
		return contract.NeutralRow(width)
	}
	return out
}

func nearestPassable(row contract.RoadRow, from int) (int, bool) {
	for d := 0; d < len(row.Cells); d++ {
		for _, x := range [2]int{from - d, from + d} {
			if x >= 0 && x < len(row.Cells) && row.Cells[x].Passable() {
				return x, true
			}
		}
	}
	return 0, false
}

func (g *Game) render() {
	s := g.screen
	s.Clear()
	sw, _ := s.Size()
	w := g.opts.Width
	x0 := (sw - (w + 2)) / 2
	if x0 < 0 {
		x0 = 0
	}

	info := GearInfo(g.gear)
	drawText(s, 0, 0, g.p.Sprintf("TOKEN RACER   Score: %d   Gear: %s   Speed: %.1fx", g.score, GearName(g.gear), info.FPSMult), styleHeader)
	var tokens int64
	if g.opts.Tokens != nil {
		tokens = g.opts.Tokens()
	}
	line := g.p.Sprintf("Tokens generated: %d   Track: ", tokens)
	drawText(s, 0, 1, line, styleInfo)
	if st := g.track.Status(); st == contract.StatusDegraded {
		drawText(s, len([]rune(line)), 1, "offline mode", styleOffline)
	} else {
		drawText(s, len([]rune(line)), 1, strings.ToLower(st.String()), styleInfo)
	}

	for y, row := range g.road {
		sy := hudRows + y
		s.SetContent(x0, sy, rune(contract.CellBoundary), nil, styleBorder)
		for x := 0; x < w; x++ {
			c := contract.CellEmpty
			if x < len(row.Cells) {
				c = row.Cells[x]
			}
			s.SetContent(x0+1+x, sy, rune(c), nil, cellStyle(c))
		}
		s.SetContent(x0+1+w, sy, rune(contract.CellBoundary), nil, styleBorder)
	}
	s.SetContent(x0+1+g.px, hudRows+g.py, '▲', nil, stylePlayer)

	y := hudRows + len(g.road) + 1
	var gd strings.Builder
	for i := 1; i <= MaxGear; i++ {
		if i == g.gear {
			fmt.Fprintf(&gd, "[%d] ", i)
		} else {
			fmt.Fprintf(&gd, " %d  ", i)
		}
	}
	drawText(s, 0, y, "Gears: "+gd.String(), styleInfo)
	lit := SpeedBar(g.gear)
	drawText(s, 0, y+1, "Speed: ["+strings.Repeat("█", lit)+strings.Repeat("▓", 10-lit)+"]", styleInfo)
	drawText(s, 0, y+2, "WASD/Arrows: move   SPACE: gear up   Q/Esc: quit", styleDefault)
	s.Show()
}

func (g *Game) crashScreen() {
	sw, _ := g.screen.Size()
	msg := " CRASH! GAME OVER "
	drawText(g.screen, (sw-len(msg))/2, hudRows+len(g.road)/2, msg, styleCrash)
	g.screen.Show()
}

func cellStyle(c contract.Cell) tcell.Style {
	switch c.Kind() {
	case contract.KindEmpty:
		return styleDefault
	case contract.KindWallLeft, contract.KindWallRight:
		return styleWall
	case contract.KindBoundary:
		return styleBorder
	default:
		return styleObstacle
	}
}

func drawText(s tcell.Screen, x, y int, text string, st tcell.Style) {
	for i, ch := range []rune(text) {
		s.SetContent(x+i, y, ch, nil, st)
	}
}
