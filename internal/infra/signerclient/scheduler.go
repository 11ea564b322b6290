package signerclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/aegis-sign/walletlink/pkg/clock"
)

// ErrCycleInFlight 表示已有一个传输周期在进行中。
var ErrCycleInFlight = errors.New("signer transport cycle already in flight")

// SchedulerConfig 配置 Scheduler。
type SchedulerConfig struct {
	Correlator      *Correlator
	Transport       Transport
	Clock           clock.Clock
	Backoff         BackoffConfig
	RequestTimeout  time.Duration
	MaxSendAttempts int
	Logger          *slog.Logger
	Metrics         *Metrics
}

// Scheduler 持有待发送队列，驱动“连接/发送”循环并在失败时指数退避。
// 任一时刻最多只有一个周期在进行，下一个周期只能由上一个周期的收尾或空闲时的入队来布置。
type Scheduler struct {
	corr           *Correlator
	transport      Transport
	clock          clock.Clock
	backoff        *Backoff
	requestTimeout time.Duration
	maxAttempts    int
	logger         *slog.Logger
	metrics        *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	queue    []*Call
	timer    clock.Timer
	gen      uint64
	inFlight bool
	started  bool
	closed   bool
	nextAt   time.Time
}

// NewScheduler 创建 Scheduler，需调用 Start 才会开始循环。
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Correlator == nil {
		return nil, errors.New("correlator is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		corr:           cfg.Correlator,
		transport:      cfg.Transport,
		clock:          cfg.Clock,
		backoff:        NewBackoff(cfg.Backoff),
		requestTimeout: cfg.RequestTimeout,
		maxAttempts:    cfg.MaxSendAttempts,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Start 立即布置第一个周期。
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	if !s.inFlight {
		s.armLocked(0)
	}
}

// Submit 将调用追加到队尾；空闲时重置退避并立刻重新布置周期。
func (s *Scheduler) Submit(call *Call) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.corr.Fail(call.ID, ErrClosed)
		return
	}
	s.queue = append(s.queue, call)
	s.metrics.setQueueDepth(len(s.queue))
	if s.started && !s.inFlight {
		s.backoff.Reset()
		s.armLocked(0)
	}
	s.mu.Unlock()
}

// RunCycle 同步执行一个周期：队列非空时发送队首调用，否则轮询。
// 完成后若 Scheduler 已启动则布置下一个周期。
func (s *Scheduler) RunCycle(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.inFlight {
		s.mu.Unlock()
		return ErrCycleInFlight
	}
	s.beginLocked()
	s.mu.Unlock()
	if ctx == nil {
		ctx = s.ctx
	}
	s.cycle(ctx)
	return nil
}

// Close 停止循环，取消在途传输并等待其返回。
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	dropped := s.queue
	s.queue = nil
	s.metrics.setQueueDepth(0)
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
	for _, call := range dropped {
		s.corr.Fail(call.ID, ErrClosed)
	}
}

// QueueDepth 返回尚未发送的调用数量。
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// CurrentDelay 返回当前退避等待时长。
func (s *Scheduler) CurrentDelay() time.Duration {
	return s.backoff.Current()
}

// Idle 报告当前是否没有周期在进行。
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.inFlight
}

// NextCycleAt 返回下一个已布置周期的预计时间，零值表示未布置。
func (s *Scheduler) NextCycleAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return time.Time{}
	}
	return s.nextAt
}

func (s *Scheduler) armLocked(delay time.Duration) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.nextAt = s.clock.Now().Add(delay)
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })
	s.metrics.observeScheduled(delay)
}

func (s *Scheduler) beginLocked() {
	s.inFlight = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.wg.Add(1)
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.inFlight {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.beginLocked()
	s.mu.Unlock()
	s.cycle(s.ctx)
}

func (s *Scheduler) cycle(ctx context.Context) {
	defer s.wg.Done()
	s.corr.Evict(s.clock.Now())

	call := s.pop()
	kind := "poll"
	callCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	start := time.Now()
	var (
		body []byte
		err  error
	)
	if call != nil {
		kind = "send"
		payload, encErr := call.encode()
		if encErr != nil {
			cancel()
			s.corr.Fail(call.ID, encErr)
			s.finish(s.backoff.Current())
			return
		}
		body, err = s.transport.Send(callCtx, payload)
	} else {
		body, err = s.transport.Poll(callCtx)
	}
	cancel()
	next := s.handleOutcome(kind, call, body, err, time.Since(start))
	s.finish(next)
}

func (s *Scheduler) handleOutcome(kind string, call *Call, body []byte, err error, latency time.Duration) time.Duration {
	if err != nil {
		delay := s.backoff.Fail()
		s.metrics.observeCycle(kind, "failure", latency)
		if call != nil {
			s.retryOrFail(call, err)
		}
		s.logger.Warn("signer transport failed", slog.String("kind", kind), slog.Any("err", err), slog.Duration("next_delay", delay))
		return delay
	}
	report := s.corr.Dispatch(body)
	if report.Malformed != nil || report.AppError {
		s.metrics.observeCycle(kind, "app_error", latency)
		if report.AppError {
			s.logger.Info("signer returned application error", slog.String("kind", kind), slog.Int("failed", report.Failed), slog.Int("unmatched", report.Unmatched))
		}
		return s.backoff.Current()
	}
	s.metrics.observeCycle(kind, "success", latency)
	return s.backoff.Reset()
}

func (s *Scheduler) retryOrFail(call *Call, err error) {
	call.attempts++
	if s.maxAttempts > 0 && call.attempts >= s.maxAttempts {
		var transportErr *TransportError
		if !errors.As(err, &transportErr) {
			err = &TransportError{Op: "send", Err: err}
		}
		s.corr.Fail(call.ID, err)
		s.logger.Warn("giving up on signer call", slog.Uint64("id", call.ID), slog.String("method", call.Method), slog.Int("attempts", call.attempts))
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.corr.Fail(call.ID, ErrClosed)
		return
	}
	s.queue = append([]*Call{call}, s.queue...)
	s.metrics.setQueueDepth(len(s.queue))
	s.mu.Unlock()
	s.metrics.incRequeued()
}

func (s *Scheduler) pop() *Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) > 0 {
		call := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		if call.finished() {
			continue
		}
		s.metrics.setQueueDepth(len(s.queue))
		return call
	}
	s.metrics.setQueueDepth(0)
	return nil
}

func (s *Scheduler) finish(next time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight = false
	if s.started && !s.closed {
		s.armLocked(next)
	}
}
