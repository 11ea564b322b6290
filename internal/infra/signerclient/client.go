package signerclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aegis-sign/walletlink/pkg/clock"
	"github.com/prometheus/client_golang/prometheus"
)

// Client 组合 Correlator 与 Scheduler，对外提供入队/等待两种调用方式。
type Client struct {
	cfg     Config
	corr    *Correlator
	sched   *Scheduler
	closer  io.Closer
	logger  *slog.Logger
	metrics *Metrics
}

type clientOptions struct {
	logger      *slog.Logger
	metrics     *Metrics
	clock       clock.Clock
	onUnmatched UnmatchedHook
}

// Option 允许自定义 Client 行为。
type Option func(*clientOptions)

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithRegisterer 指定 Prometheus 注册器。
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *clientOptions) { o.metrics = NewMetrics(reg) }
}

// WithMetrics 直接复用已构造的 Metrics。
func WithMetrics(m *Metrics) Option {
	return func(o *clientOptions) { o.metrics = m }
}

// WithClock 注入时钟，测试中使用 clock.Fake。
func WithClock(c clock.Clock) Option {
	return func(o *clientOptions) { o.clock = c }
}

// WithUnmatchedHook 注册未知应答 id 的诊断回调。
func WithUnmatchedHook(h UnmatchedHook) Option {
	return func(o *clientOptions) { o.onUnmatched = h }
}

// New 基于给定 Transport 构造 Client；若 Transport 实现 io.Closer，Close 时一并关闭。
func New(transport Transport, cfg Config, opts ...Option) (*Client, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	cfg = cfg.normalize()
	o := clientOptions{logger: slog.Default(), clock: clock.NewRealClock()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	corr := NewCorrelator(CorrelatorConfig{
		Clock:       o.clock,
		Logger:      o.logger,
		Metrics:     o.metrics,
		PendingTTL:  cfg.PendingTTL,
		OnUnmatched: o.onUnmatched,
	})
	sched, err := NewScheduler(SchedulerConfig{
		Correlator:      corr,
		Transport:       transport,
		Clock:           o.clock,
		Backoff:         cfg.Backoff,
		RequestTimeout:  cfg.RequestTimeout,
		MaxSendAttempts: cfg.MaxSendAttempts,
		Logger:          o.logger,
		Metrics:         o.metrics,
	})
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:     cfg,
		corr:    corr,
		sched:   sched,
		logger:  o.logger,
		metrics: o.metrics,
	}
	if closer, ok := transport.(io.Closer); ok {
		c.closer = closer
	}
	return c, nil
}

// Dial 根据 cfg.Transport 建立 HTTP 或 gRPC 传输并构造 Client。
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.normalize()
	var transport Transport
	switch cfg.Transport {
	case TransportHTTP:
		t, err := NewHTTPTransport(cfg.Endpoint, cfg.RequestTimeout)
		if err != nil {
			return nil, err
		}
		transport = t
	case TransportGRPC:
		t, err := DialGRPC(ctx, cfg.Endpoint, cfg.GRPC)
		if err != nil {
			return nil, err
		}
		transport = t
	default:
		return nil, fmt.Errorf("unsupported signer transport %q", cfg.Transport)
	}
	client, err := New(transport, cfg, opts...)
	if err != nil {
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return nil, err
	}
	return client, nil
}

// Start 启动调度循环。
func (c *Client) Start() {
	c.sched.Start()
}

// Close 停止循环、让所有未完成调用以 ErrClosed 失败并关闭传输。
func (c *Client) Close() error {
	c.sched.Close()
	c.corr.Close(ErrClosed)
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Enqueue 登记调用并放入发送队列，返回可等待的句柄。
func (c *Client) Enqueue(method string, params any) (*Call, error) {
	if method == "" {
		return nil, errors.New("method is required")
	}
	call, err := c.corr.Register(method, params)
	if err != nil {
		return nil, err
	}
	c.sched.Submit(call)
	c.logger.Debug("signer call enqueued", slog.Uint64("id", call.ID), slog.String("method", method))
	return call, nil
}

// Call 入队并等待结果，结果解码到 out（可为 nil）。
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	call, err := c.Enqueue(method, params)
	if err != nil {
		return err
	}
	return call.Decode(ctx, out)
}

// Dispatch 直接分发一段应答体，供推送式传输使用。
func (c *Client) Dispatch(body []byte) DispatchReport {
	return c.corr.Dispatch(body)
}

// InFlight 返回尚未收到应答的调用数量。
func (c *Client) InFlight() int {
	return c.corr.InFlight()
}

// HasPending 报告是否有调用仍在等待应答。
func (c *Client) HasPending() bool {
	return c.corr.HasPending()
}

// Snapshot 是调试接口返回的运行时视图。
type Snapshot struct {
	Transport    string    `json:"transport"`
	QueueDepth   int       `json:"queueDepth"`
	InFlight     int       `json:"inFlight"`
	PendingIDs   []uint64  `json:"pendingIds"`
	CurrentDelay string    `json:"currentDelay"`
	Idle         bool      `json:"idle"`
	NextCycleAt  time.Time `json:"nextCycleAt,omitempty"`
}

// Snapshot 返回当前队列与退避状态。
func (c *Client) Snapshot() Snapshot {
	return Snapshot{
		Transport:    c.cfg.Transport,
		QueueDepth:   c.sched.QueueDepth(),
		InFlight:     c.corr.InFlight(),
		PendingIDs:   c.corr.PendingIDs(),
		CurrentDelay: c.sched.CurrentDelay().String(),
		Idle:         c.sched.Idle(),
		NextCycleAt:  c.sched.NextCycleAt(),
	}
}
