package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	xrate "golang.org/x/time/rate"

	"policyeval/pkg/contract"
)

// LimitKey: 限流分组键（provider 客户端 + API Key 摘要）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int `json:"rpm" validate:"gte=0"`                // requests per minute
	TPM             int `json:"tpm" validate:"gte=0"`                // tokens per minute
	MaxTokensPerReq int `json:"max_tokens_per_req" validate:"gte=0"` // 单次请求 token 上限，0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；违反单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false 且不消耗额度。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
// 每个维度是一个 x/time/rate 令牌桶：容量=每分钟额度，匀速补充。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	for k, lim := range m {
		g.m[k] = newEntry(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	lim Limits
	req *xrate.Limiter // nil 表示该维度关闭
	tok *xrate.Limiter
}

func newEntry(lim Limits) *entry {
	return &entry{lim: lim, req: perMinute(lim.RPM), tok: perMinute(lim.TPM)}
}

func perMinute(n int) *xrate.Limiter {
	if n <= 0 {
		return nil
	}
	return xrate.NewLimiter(xrate.Limit(float64(n)/60.0), n)
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func (g *gate) check(a Ask) (*entry, error) {
	if a.Requests <= 0 || a.Tokens < 0 {
		return nil, fmt.Errorf("%w: requests=%d tokens=%d", contract.ErrInvalidInput, a.Requests, a.Tokens)
	}
	e := g.get(a.Key)
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return nil, fmt.Errorf("%w: tokens %d > max_tokens_per_req %d", contract.ErrBudgetExceeded, a.Tokens, e.lim.MaxTokensPerReq)
	}
	if e.tok != nil && a.Tokens > e.tok.Burst() {
		return nil, fmt.Errorf("%w: tokens %d > tpm %d", contract.ErrBudgetExceeded, a.Tokens, e.tok.Burst())
	}
	if e.req != nil && a.Requests > e.req.Burst() {
		return nil, fmt.Errorf("%w: requests %d > rpm %d", contract.ErrBudgetExceeded, a.Requests, e.req.Burst())
	}
	return e, nil
}

// reservation 合并两个维度的预约；任一维度为 nil 视为立即可用。
type reservation struct {
	rs []*xrate.Reservation
}

func (r reservation) delay(now time.Time) time.Duration {
	var d time.Duration
	for _, x := range r.rs {
		if dd := x.DelayFrom(now); dd > d {
			d = dd
		}
	}
	return d
}

func (r reservation) cancel(now time.Time) {
	for _, x := range r.rs {
		x.CancelAt(now)
	}
}

func (e *entry) reserve(now time.Time, a Ask) reservation {
	var r reservation
	if e.req != nil {
		r.rs = append(r.rs, e.req.ReserveN(now, a.Requests))
	}
	if e.tok != nil && a.Tokens > 0 {
		r.rs = append(r.rs, e.tok.ReserveN(now, a.Tokens))
	}
	return r
}

func (g *gate) Try(a Ask) bool {
	e, err := g.check(a)
	if err != nil {
		return false
	}
	now := g.clk()
	r := e.reserve(now, a)
	if r.delay(now) > 0 {
		r.cancel(now)
		return false
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e, err := g.check(a)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := g.clk()
	r := e.reserve(now, a)
	d := r.delay(now)
	if d <= 0 {
		return nil
	}
	if dl, ok := ctx.Deadline(); ok && dl.Before(now.Add(d)) {
		// 截止前无法放行：立即归还额度
		r.cancel(now)
		return context.DeadlineExceeded
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.cancel(g.clk())
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Snapshot: 返回当前可用请求/令牌的向下取整估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.get(key)
	now := g.clk()
	avail := func(l *xrate.Limiter) int {
		if l == nil {
			return 0
		}
		v := l.TokensAt(now)
		if v < 0 {
			return 0
		}
		return int(v)
	}
	return avail(e.req), avail(e.tok)
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
