package track

import (
	"math/rand/v2"
	"sync/atomic"

	"tokenracer/pkg/contract"
)

// Generator: 本地兜底赛道生成器。无 I/O；同一种子与同样的输入序列产生同样的输出。
// 保证：任意 prev（含 nil、宽度不符、全障碍）下产出的行宽度恰为 W，且至少一个可通行格。
//
// 安全车道：每行移动不超过一格且从不被障碍占据，兜底行序列因此始终存在连续通路。
type Generator struct {
	width      int
	rng        *rand.Rand
	difficulty atomic.Int32

	safe    int
	hasSafe bool
}

// NewGenerator 以 seed 构造宽度为 width 的生成器（难度默认 1）。
func NewGenerator(width int, seed uint64) *Generator {
	if width < 1 {
		width = 1
	}
	g := &Generator{width: width, rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	g.difficulty.Store(1)
	return g
}

// SetDifficulty 设置难度（截断到 1..5）；可与 NextRow 并发调用。
func (g *Generator) SetDifficulty(n int) { g.difficulty.Store(int32(clamp(n, 1, 5))) }

// Difficulty 当前难度。
func (g *Generator) Difficulty() int { return int(g.difficulty.Load()) }

// Width 行宽。
func (g *Generator) Width() int { return g.width }

func (g *Generator) minCorridor() int {
	m := g.width / 3
	if m < 3 {
		m = 3
	}
	if m > g.width {
		m = g.width
	}
	return m
}

// corridor 从上一行的墙体推导可行驶区间 [lo,hi]；无效 prev 时为整行。
func (g *Generator) corridor(prev *contract.RoadRow) (int, int) {
	lo, hi := 0, g.width-1
	if prev == nil || len(prev.Cells) != g.width {
		return lo, hi
	}
	for lo < hi && prev.Cells[lo] == contract.CellWallLeft {
		lo++
	}
	for hi > lo && prev.Cells[hi] == contract.CellWallRight {
		hi--
	}
	if hi-lo+1 < g.minCorridor() {
		return 0, g.width - 1
	}
	return lo, hi
}

// drift 以小概率让一侧墙体移动一格，保持最小宽度。
func (g *Generator) drift(lo, hi int) (int, int) {
	minW := g.minCorridor()
	if g.rng.Float64() < 0.15 {
		nlo := lo + g.rng.IntN(3) - 1
		if nlo >= 0 && hi-nlo+1 >= minW {
			lo = nlo
		}
	}
	if g.rng.Float64() < 0.15 {
		nhi := hi + g.rng.IntN(3) - 1
		if nhi <= g.width-1 && nhi-lo+1 >= minW {
			hi = nhi
		}
	}
	return lo, hi
}

// lane 计算本行安全车道列。
func (g *Generator) lane(prev *contract.RoadRow, lo, hi int) int {
	s := (lo + hi) / 2
	if g.hasSafe {
		s = g.safe
	}
	// 上一行来自远端时，安全车道对齐到最近的可通行格
	if prev != nil && len(prev.Cells) == g.width && !prev.Cells[clamp(s, 0, g.width-1)].Passable() {
		if p, ok := nearestPassable(prev.Cells, s); ok {
			s = p
		}
	}
	s += g.rng.IntN(3) - 1
	return clamp(s, lo, hi)
}

// NextRow 生成 prev 之后的一行。
func (g *Generator) NextRow(prev *contract.RoadRow) contract.RoadRow {
	lo, hi := g.drift(g.corridor(prev))
	safe := g.lane(prev, lo, hi)
	g.safe, g.hasSafe = safe, true

	cells := make([]contract.Cell, g.width)
	for i := range cells {
		switch {
		case i < lo:
			cells[i] = contract.CellWallLeft
		case i > hi:
			cells[i] = contract.CellWallRight
		default:
			cells[i] = contract.CellEmpty
		}
	}
	for _, pos := range g.obstacles(lo, hi) {
		if pos != safe && pos >= lo && pos <= hi {
			cells[pos] = contract.Cell(contract.ObstacleGlyphs[g.rng.IntN(len(contract.ObstacleGlyphs))])
		}
	}
	cells[safe] = contract.CellEmpty
	return contract.RoadRow{Cells: cells, Source: contract.SourceFallback}
}

// Segment 连续生成 n 行。
func (g *Generator) Segment(prev *contract.RoadRow, n int) []contract.RoadRow {
	out := make([]contract.RoadRow, 0, n)
	for i := 0; i < n; i++ {
		row := g.NextRow(prev)
		out = append(out, row)
		prev = &out[len(out)-1]
	}
	return out
}

// obstacles 按难度选择障碍布局：成簇 / 绕桩 / 散点。
func (g *Generator) obstacles(lo, hi int) []int {
	d := g.Difficulty()
	n := g.rng.IntN(d + 1)
	if n == 0 {
		return nil
	}
	span := hi - lo + 1
	var pos []int
	switch r := g.rng.Float64(); {
	case r < 0.3:
		start := lo + g.rng.IntN(span)
		for i := 0; i < n && i < 3; i++ {
			pos = append(pos, start+i)
		}
	case r < 0.6:
		centre := (lo+hi)/2 + g.rng.IntN(span/2+1) - span/4
		for i := 0; i < n; i++ {
			pos = append(pos, centre+(i-n/2)*3)
		}
	default:
		for i := 0; i < n; i++ {
			pos = append(pos, lo+g.rng.IntN(span))
		}
	}
	return pos
}

func nearestPassable(cells []contract.Cell, from int) (int, bool) {
	for d := 0; d < len(cells); d++ {
		if i := from - d; i >= 0 && i < len(cells) && cells[i].Passable() {
			return i, true
		}
		if i := from + d; i >= 0 && i < len(cells) && cells[i].Passable() {
			return i, true
		}
	}
	return 0, false
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
