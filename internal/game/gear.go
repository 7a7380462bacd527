package game

import "fmt"

// Gear: 档位参数。
//   - FPSMult: 滚动频率倍率（滚动间隔 = 1 / (BaseFPS * FPSMult)）；
//   - Moves:   每帧最多处理的输入次数。
type Gear struct {
	FPSMult float64
	Moves   int
}

// gears[0] 为 1 档。
var gears = [...]Gear{
	{0.5, 1}, {0.7, 1}, {1.0, 2}, {1.3, 2}, {1.8, 3},
	{2.0, 4}, {2.2, 5}, {2.6, 6}, {2.8, 7}, {3.0, 8},
}

// MaxGear 最高档位。
const MaxGear = len(gears)

// GearInfo 返回 n 档（1..MaxGear，越界时截断）的参数。
func GearInfo(n int) Gear {
	return gears[clampGear(n)-1]
}

// MaxRowsPerSecond 最高档位下每秒滚动（消耗）的行数。
func MaxRowsPerSecond(baseFPS int) float64 {
	return float64(baseFPS) * gears[MaxGear-1].FPSMult
}

// GearName 返回 "1st"、"2nd"、"10th" 形式的档位名。
func GearName(n int) string {
	n = clampGear(n)
	suffix := "th"
	if n < 11 || n > 13 {
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

// SpeedBar 返回 10 格速度条中点亮的格数。
func SpeedBar(n int) int {
	lit := int(GearInfo(n).FPSMult * 5)
	if lit > 10 {
		lit = 10
	}
	return lit
}

func clampGear(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxGear {
		return MaxGear
	}
	return n
}
