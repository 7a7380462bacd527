package contract

import "strings"

// Cell: 道路行中的单个格子，以 ASCII 字形表示（与模型输出的文本协议一致）。
type Cell byte

// 字形约定：
//   - ' '            空路面（唯一可通行）
//   - '['  / ']'     左/右路墙（收窄赛道时使用）
//   - '#' '*' '~' '@' 障碍物
//   - '|'            边界（行首尾的框线；宽度修正时的填充）
const (
	CellEmpty     Cell = ' '
	CellWallLeft  Cell = '['
	CellWallRight Cell = ']'
	CellBoundary  Cell = '|'
	CellObstacle  Cell = '#'
)

// ObstacleGlyphs: 允许出现在道路中的障碍物字形。
const ObstacleGlyphs = "#*~@"

// CellKind: 格子语义分类。
type CellKind int

const (
	KindEmpty CellKind = iota
	KindWallLeft
	KindWallRight
	KindObstacle
	KindBoundary
)

// Kind 返回格子分类；未知字形按障碍物处理。
func (c Cell) Kind() CellKind {
	switch c {
	case CellEmpty:
		return KindEmpty
	case CellWallLeft:
		return KindWallLeft
	case CellWallRight:
		return KindWallRight
	case CellBoundary:
		return KindBoundary
	default:
		return KindObstacle
	}
}

// Passable 仅空路面可通行。
func (c Cell) Passable() bool { return c == CellEmpty }

// IsObstacleGlyph 判断 r 是否属于障碍物字形集合。
func IsObstacleGlyph(r rune) bool { return r < 0x80 && strings.IndexByte(ObstacleGlyphs, byte(r)) >= 0 }

// RowSource: 行的来源（仅用于诊断/录制）。
type RowSource uint8

const (
	SourceRemote   RowSource = iota // 远端模型流式生成
	SourceFallback                  // 本地兜底生成器
	SourceFiller                    // 解析失败时的中性填充行
)

func (s RowSource) String() string {
	switch s {
	case SourceRemote:
		return "remote"
	case SourceFallback:
		return "fallback"
	case SourceFiller:
		return "filler"
	default:
		return "unknown"
	}
}

// RoadRow: 固定宽度的一行道路。
// 约束：
//   - 由解析器/生成器创建后不可变（跨 goroutine 传递时只读）；
//   - Seq 由控制器在入缓冲前统一分配，严格递增。
type RoadRow struct {
	Seq    int64
	Cells  []Cell
	Source RowSource
}

// NeutralRow 返回宽度为 width 的全空行（不会产生碰撞）。
func NeutralRow(width int) RoadRow {
	cells := make([]Cell, width)
	for i := range cells {
		cells[i] = CellEmpty
	}
	return RoadRow{Cells: cells, Source: SourceFiller}
}

// Width 返回行宽。
func (r RoadRow) Width() int { return len(r.Cells) }

// Traversable 返回可通行格数。
func (r RoadRow) Traversable() int {
	n := 0
	for _, c := range r.Cells {
		if c.Passable() {
			n++
		}
	}
	return n
}

// Valid 结构合法性：宽度精确等于 width 且至少一个可通行格。
func (r RoadRow) Valid(width int) bool {
	return len(r.Cells) == width && r.Traversable() > 0
}

// Clone 深拷贝 Cells，避免共享底层数组。
func (r RoadRow) Clone() RoadRow {
	out := r
	if r.Cells != nil {
		out.Cells = make([]Cell, len(r.Cells))
		copy(out.Cells, r.Cells)
	}
	return out
}

// Interior 以字符串形式返回格子内容（不含框线）。
func (r RoadRow) Interior() string {
	b := make([]byte, len(r.Cells))
	for i, c := range r.Cells {
		b[i] = byte(c)
	}
	return string(b)
}

// String 渲染为带框线的文本行，形如 "|  #   |"。
func (r RoadRow) String() string {
	return string(CellBoundary) + r.Interior() + string(CellBoundary)
}

// GenerationContext: 发送给生成端的上游历史（保持赛道连续）。
// 仅由控制器持有与修改；传出时为只读快照。
type GenerationContext struct {
	// Rows: 最近 N 行（按 Seq 升序）。
	Rows []RoadRow
	// Width: 行宽 W（不含框线）。
	Width int
	// Difficulty: 1..5。
	Difficulty int
	// Want: 本次期望生成的行数。
	Want int
	// Synthetic: 历史中是否含兜底生成的行（降级期间为 true）。
	Synthetic bool
}

// Text 以多行文本形式返回历史（每行带框线）；无历史时返回空串。
func (gc GenerationContext) Text() string {
	if len(gc.Rows) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(gc.Rows) * (gc.Width + 3))
	for i, r := range gc.Rows {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(r.String())
	}
	return sb.String()
}

// PipelineStatus: 流水线状态机。
type PipelineStatus int32

const (
	StatusStreaming PipelineStatus = iota
	StatusDegraded
	StatusRecovering
)

func (s PipelineStatus) String() string {
	switch s {
	case StatusStreaming:
		return "STREAMING"
	case StatusDegraded:
		return "DEGRADED_FALLBACK"
	case StatusRecovering:
		return "RECOVERING"
	default:
		return "UNKNOWN"
	}
}
