package rate

import (
	"sync"
	"time"
)

// LimitKey: 限流分组键（client + 密钥摘要，见 DeriveKeyFromProviderOptions）。
type LimitKey string

// Limits: 每分组限额。0 表示该维度不启用。
type Limits struct {
	RPM             int // 每分钟请求数
	TPM             int // 每分钟 token 数（按提示词估算值扣减）
	MaxTokensPerReq int // 单次请求估算 token 上限，0 不限
}

// Ask: 一次放行申请。Requests 默认按 1 处理。
type Ask struct {
	Key      LimitKey
	Requests int
	Tokens   int
}

// Gate: 令牌桶闸门（并发安全）。
// 赛道流水线只做非阻塞尝试：额度不足时立刻转入兜底生成，而不是让生产者停等。
type Gate interface {
	Try(a Ask) bool
	// Stats: 诊断用，返回当前可用请求/token（向下取整）与累计拒绝次数。
	Stats(key LimitKey) (reqAvail, tokAvail int, refused int64)
}

// NewGate 从静态配置构造闸门；clk 为空使用 time.Now（测试注入固定时钟）。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, groups: make(map[LimitKey]*group, len(m))}
	now := clk()
	for k, lim := range m {
		g.groups[k] = newGroup(lim, now)
	}
	return g
}

type gate struct {
	mu     sync.Mutex
	clk    func() time.Time
	groups map[LimitKey]*group
}

type group struct {
	lim     Limits
	req     bucket
	tok     bucket
	refused int64
}

// bucket: 容量 cap、每秒补充 cap/60 的令牌桶；cap=0 表示关闭。
type bucket struct {
	cap   float64
	level float64
	last  time.Time
}

func newGroup(lim Limits, now time.Time) *group {
	return &group{
		lim: lim,
		req: bucket{cap: float64(lim.RPM), level: float64(lim.RPM), last: now},
		tok: bucket{cap: float64(lim.TPM), level: float64(lim.TPM), last: now},
	}
}

func (b *bucket) off() bool { return b.cap <= 0 }

func (b *bucket) advance(now time.Time) {
	if b.off() || !now.After(b.last) {
		// 时钟回拨视为无时间流逝
		return
	}
	b.level += now.Sub(b.last).Seconds() * b.cap / 60
	if b.level > b.cap {
		b.level = b.cap
	}
	b.last = now
}

func (b *bucket) has(n int) bool { return b.off() || n <= 0 || b.level >= float64(n) }

func (b *bucket) spend(n int) {
	if b.off() || n <= 0 {
		return
	}
	b.level = max(0, b.level-float64(n))
}

func (b *bucket) avail() int {
	if b.off() {
		return 0
	}
	return int(b.level)
}

func (g *gate) lookup(key LimitKey) *group {
	grp := g.groups[key]
	if grp == nil {
		// 未配置的 key 不限额
		grp = newGroup(Limits{}, g.clk())
		g.groups[key] = grp
	}
	return grp
}

func (g *gate) Try(a Ask) bool {
	if a.Requests <= 0 {
		a.Requests = 1
	}
	if a.Tokens < 0 {
		return false
	}
	now := g.clk()
	g.mu.Lock()
	defer g.mu.Unlock()
	grp := g.lookup(a.Key)
	if grp.lim.MaxTokensPerReq > 0 && a.Tokens > grp.lim.MaxTokensPerReq {
		grp.refused++
		return false
	}
	grp.req.advance(now)
	grp.tok.advance(now)
	if !grp.req.has(a.Requests) || !grp.tok.has(a.Tokens) {
		grp.refused++
		return false
	}
	grp.req.spend(a.Requests)
	grp.tok.spend(a.Tokens)
	return true
}

func (g *gate) Stats(key LimitKey) (int, int, int64) {
	now := g.clk()
	g.mu.Lock()
	defer g.mu.Unlock()
	grp := g.lookup(key)
	grp.req.advance(now)
	grp.tok.advance(now)
	return grp.req.avail(), grp.tok.avail(), grp.refused
}
