package diag

import (
	"sort"
	"sync"
)

// 进程内最小指标（供结束画面汇总与调试）：
//   - op_total{comp,stage,result}
//   - error_total{comp,code}
//   - op_duration_ms{comp,stage}（累计）

var (
	metricsMu sync.Mutex
	counters  = map[string]int64{}
)

func addCounter(key string, n int64) {
	metricsMu.Lock()
	counters[key] += n
	metricsMu.Unlock()
}

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) { addCounter("op_total/"+comp+"/"+stage+"/"+result, 1) }

// IncError 按分类累加错误计数。
func IncError(comp, code string) { addCounter("error_total/"+comp+"/"+code, 1) }

// ObserveDuration 累计阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	addCounter("op_duration_ms/"+comp+"/"+stage, durMS)
}

// Metric 为快照中的一项。
type Metric struct {
	Name  string
	Value int64
}

// Snapshot 返回按名称排序的计数快照。
func Snapshot() []Metric {
	metricsMu.Lock()
	out := make([]Metric, 0, len(counters))
	for k, v := range counters {
		out = append(out, Metric{Name: k, Value: v})
	}
	metricsMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetMetrics 清空计数（测试使用）。
func ResetMetrics() {
	metricsMu.Lock()
	counters = map[string]int64{}
	metricsMu.Unlock()
}
