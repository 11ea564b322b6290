package signerclient

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/aegis-sign/walletlink/pkg/clock"
)

var (
	// ErrClosed 表示客户端已关闭，未完成的调用全部失败。
	ErrClosed = errors.New("signer client closed")
	// ErrCallExpired 表示调用在 PendingTTL 内没有收到应答而被淘汰。
	ErrCallExpired = errors.New("signer call expired without response")
)

// UnmatchedHook 在收到未知 id 的应答时被调用，仅用于诊断。
type UnmatchedHook func(id uint64, hasID bool)

// CorrelatorConfig 配置 Correlator。
type CorrelatorConfig struct {
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *Metrics
	PendingTTL  time.Duration
	OnUnmatched UnmatchedHook
}

// DispatchReport 汇总一次 Dispatch 的处理结果。
type DispatchReport struct {
	Delivered int
	Failed    int
	Unmatched int
	// AppError 表示应答体本身是单个带 error 的对象。
	AppError bool
	// Malformed 非空时应答体无法解析，未做任何分发。
	Malformed error
}

// Correlator 分配调用 id、维护待应答表，并把应答路由回调用句柄。
type Correlator struct {
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *Metrics
	pendingTTL  time.Duration
	onUnmatched UnmatchedHook

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Call
	closed  error
}

// NewCorrelator 创建 Correlator，id 从 1 开始递增。
func NewCorrelator(cfg CorrelatorConfig) *Correlator {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Correlator{
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		pendingTTL:  cfg.PendingTTL,
		onUnmatched: cfg.OnUnmatched,
		pending:     make(map[uint64]*Call),
	}
}

// Register 分配下一个 id 并登记待应答调用。
func (c *Correlator) Register(method string, params any) (*Call, error) {
	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != nil {
		return nil, c.closed
	}
	c.nextID++
	call := newCall(c.nextID, method, raw, c.clock.Now())
	c.pending[call.ID] = call
	c.metrics.setInFlight(len(c.pending))
	return call, nil
}

// Dispatch 解析应答体（单对象或数组）并按顺序完成对应调用。
// 未知 id 只记录日志并丢弃，永远不会向调用方返回错误。
func (c *Correlator) Dispatch(body []byte) DispatchReport {
	var report DispatchReport
	responses, batch, err := decodeBody(body)
	if err != nil {
		report.Malformed = err
		c.logger.Warn("discarding malformed signer response", slog.Any("err", err), slog.Int("bytes", len(body)))
		return report
	}
	if !batch && len(responses) == 1 && responses[0].Error != nil {
		report.AppError = true
	}
	for _, resp := range responses {
		switch c.deliver(resp) {
		case deliveredResult:
			report.Delivered++
		case deliveredError:
			report.Failed++
		default:
			report.Unmatched++
		}
	}
	return report
}

type deliveryOutcome int

const (
	deliveryUnmatched deliveryOutcome = iota
	deliveredResult
	deliveredError
)

func (c *Correlator) deliver(resp response) deliveryOutcome {
	var id uint64
	if resp.ID != nil {
		id = *resp.ID
	}
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok && resp.ID != nil {
		delete(c.pending, id)
		c.metrics.setInFlight(len(c.pending))
	}
	c.mu.Unlock()

	if !ok || resp.ID == nil {
		c.metrics.incUnmatched()
		c.logger.Warn("unrecognized signer response id", slog.Uint64("id", id), slog.Bool("has_id", resp.ID != nil), slog.Bool("error", resp.Error != nil))
		if c.onUnmatched != nil {
			c.onUnmatched(id, resp.ID != nil)
		}
		return deliveryUnmatched
	}
	if resp.Error != nil {
		rpcErr := *resp.Error
		rpcErr.Method = call.Method
		call.complete(nil, &rpcErr)
		return deliveredError
	}
	call.complete(resp.Result, nil)
	return deliveredResult
}

// Fail 以 err 完成仍在待应答表中的调用，返回是否确实移除。
func (c *Correlator) Fail(id uint64, err error) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.metrics.setInFlight(len(c.pending))
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	return call.complete(nil, err)
}

// Evict 淘汰超过 PendingTTL 的调用，返回淘汰数量。PendingTTL<=0 时不淘汰。
func (c *Correlator) Evict(now time.Time) int {
	if c.pendingTTL <= 0 {
		return 0
	}
	cutoff := now.Add(-c.pendingTTL)
	var expired []*Call
	c.mu.Lock()
	for id, call := range c.pending {
		if call.createdAt.Before(cutoff) {
			expired = append(expired, call)
			delete(c.pending, id)
		}
	}
	c.metrics.setInFlight(len(c.pending))
	c.mu.Unlock()
	for _, call := range expired {
		call.complete(nil, ErrCallExpired)
		c.metrics.incEvicted()
		c.logger.Warn("evicting signer call without response", slog.Uint64("id", call.ID), slog.String("method", call.Method))
	}
	return len(expired)
}

// Close 让所有未完成调用以 err（默认 ErrClosed）失败，之后不再接受登记。
func (c *Correlator) Close(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return
	}
	c.closed = err
	calls := make([]*Call, 0, len(c.pending))
	for _, call := range c.pending {
		calls = append(calls, call)
	}
	c.pending = make(map[uint64]*Call)
	c.metrics.setInFlight(0)
	c.mu.Unlock()
	for _, call := range calls {
		call.complete(nil, err)
	}
}

// InFlight 返回尚未收到应答的调用数量。
func (c *Correlator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// HasPending 报告是否有调用仍在等待应答。
func (c *Correlator) HasPending() bool {
	return c.InFlight() > 0
}

// PendingIDs 返回升序排列的待应答 id。
func (c *Correlator) PendingIDs() []uint64 {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
