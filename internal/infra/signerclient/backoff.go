package signerclient

import (
	"sync"
	"time"
)

// Backoff 记录调度循环的当前等待时长，保证 Min ≤ Current ≤ Max。
type Backoff struct {
	cfg BackoffConfig

	mu      sync.Mutex
	current time.Duration
}

// NewBackoff 创建 Backoff，初始值为 Min。
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.normalize()
	return &Backoff{cfg: cfg, current: cfg.Min}
}

// Current 返回当前等待时长。
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Min 返回配置的最小等待时长。
func (b *Backoff) Min() time.Duration {
	return b.cfg.Min
}

// Fail 记录一次失败的周期，按倍数放大当前值（封顶 Max）并返回新的等待时长。
func (b *Backoff) Fail() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := time.Duration(float64(b.current) * b.cfg.Multiplier)
	if next <= 0 || next > b.cfg.Max {
		next = b.cfg.Max
	}
	if next < b.cfg.Min {
		next = b.cfg.Min
	}
	b.current = next
	return next
}

// Reset 清除历史失败，下一次等待重新从 Min 开始。
func (b *Backoff) Reset() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.cfg.Min
	return b.current
}
