package walletapi

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aegis-sign/walletlink/pkg/apierrors"
	"golang.org/x/time/rate"
)

// UnlockThrottleConfig 配置解锁口令尝试的速率限制。
type UnlockThrottleConfig struct {
	// RateLimit 为每秒允许的尝试次数，<=0 表示不限制。
	RateLimit float64
	RateBurst int
	MinRetry  time.Duration
	MaxRetry  time.Duration
}

func (c UnlockThrottleConfig) normalize() UnlockThrottleConfig {
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	if c.MinRetry <= 0 {
		c.MinRetry = time.Second
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3 * time.Second
	}
	if c.MaxRetry < c.MinRetry {
		c.MaxRetry = c.MinRetry
	}
	return c
}

// UnlockThrottle 限制口令猜测速度，超限时返回带 Retry-After 的 RETRY_LATER。
type UnlockThrottle struct {
	cfg     UnlockThrottleConfig
	limiter atomic.Pointer[rate.Limiter]

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewUnlockThrottle 构造 UnlockThrottle。
func NewUnlockThrottle(cfg UnlockThrottleConfig) *UnlockThrottle {
	t := &UnlockThrottle{
		cfg: cfg.normalize(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	t.UpdateRateLimit(t.cfg.RateLimit)
	return t
}

// Allow 消耗一次尝试额度，超限时返回错误。
func (t *UnlockThrottle) Allow() error {
	if t == nil {
		return nil
	}
	limiter := t.limiter.Load()
	if limiter == nil || limiter.Allow() {
		return nil
	}
	return apierrors.New(apierrors.CodeRetryLater, "too many unlock attempts").WithRetryAfter(t.retryAfter())
}

// UpdateRateLimit 热更新速率限制，<=0 时取消限制。
func (t *UnlockThrottle) UpdateRateLimit(rateValue float64) {
	if rateValue <= 0 {
		t.limiter.Store(nil)
		return
	}
	t.limiter.Store(rate.NewLimiter(rate.Limit(rateValue), t.cfg.RateBurst))
}

// RateLimit 返回当前限制，0 表示不限制。
func (t *UnlockThrottle) RateLimit() float64 {
	if limiter := t.limiter.Load(); limiter != nil {
		return float64(limiter.Limit())
	}
	return 0
}

func (t *UnlockThrottle) retryAfter() time.Duration {
	span := t.cfg.MaxRetry - t.cfg.MinRetry
	if span <= 0 {
		return t.cfg.MinRetry
	}
	t.rngMu.Lock()
	offset := time.Duration(t.rng.Int63n(int64(span)))
	t.rngMu.Unlock()
	return t.cfg.MinRetry + offset
}
