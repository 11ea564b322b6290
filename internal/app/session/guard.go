package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aegis-sign/walletlink/internal/infra/secretstore"
	"github.com/aegis-sign/walletlink/pkg/apierrors"
	"github.com/aegis-sign/walletlink/pkg/clock"
	"golang.org/x/sync/singleflight"
)

// signer RPC 方法名。
const (
	MethodSetCredentials = "set-credentials"
	MethodSetPassphrase  = "set-passphrase"
	MethodUnlock         = "unlock"
	MethodLock           = "lock"
)

const (
	// DefaultRelockAfter 是设置口令或未指定时长解锁后的自动上锁时间。
	DefaultRelockAfter = 60 * time.Second
	// DefaultStorageName 是信封在 SecretStore 中的名称。
	DefaultStorageName = "credentials"
	defaultLockTimeout = 10 * time.Second
)

// Caller 是 Guard 发送 signer 调用所需的最小接口，signerclient.Client 满足它。
type Caller interface {
	Call(ctx context.Context, method string, params any, out any) error
}

// Config 控制自动上锁与持久化。
type Config struct {
	RelockAfter time.Duration
	StorageName string
	// LockTimeout 限制自动上锁时 lock RPC 的等待时间。
	LockTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.RelockAfter <= 0 {
		c.RelockAfter = DefaultRelockAfter
	}
	if c.StorageName == "" {
		c.StorageName = DefaultStorageName
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = defaultLockTimeout
	}
	return c
}

// Option 自定义 Guard。
type Option func(*Guard)

// WithClock 注入时钟。
func WithClock(c clock.Clock) Option {
	return func(g *Guard) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithLogger 注入 slog Logger。
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithMetrics 注入指标。
func WithMetrics(m *Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// WithNotifier 覆盖全局 Notifier。
func WithNotifier(n Notifier) Option {
	return func(g *Guard) { g.notifier = n }
}

// Guard 维护 Locked/Unlocked 状态机与唯一的自动上锁定时器，并把
// 解锁、上锁、修改口令路由为 signer 调用。
type Guard struct {
	caller   Caller
	store    secretstore.Store
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *Metrics
	notifier Notifier

	lockGroup singleflight.Group

	mu             sync.Mutex
	state          State
	envelope       Envelope
	credentialsErr error
	relockTimer    clock.Timer
	relockGen      uint64
	relockAt       time.Time

	// unlockEpoch 每次进入 Unlocked 递增，用作 lock RPC 的合并键。
	unlockEpoch uint64
}

// NewGuard 创建处于 Locked 状态的 Guard。
func NewGuard(caller Caller, store secretstore.Store, cfg Config, opts ...Option) (*Guard, error) {
	if caller == nil {
		return nil, errors.New("signer caller is required")
	}
	if store == nil {
		return nil, errors.New("secret store is required")
	}
	g := &Guard{
		caller: caller,
		store:  store,
		cfg:    cfg.normalize(),
		clock:  clock.NewRealClock(),
		logger: slog.Default(),
		state:  StateLocked,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// Load 在启动时从 SecretStore 读取信封；存在则推送给 signer，不存在则保持未设置口令。
func (g *Guard) Load(ctx context.Context) error {
	var env Envelope
	found, err := g.store.Load(ctx, g.cfg.StorageName, &env)
	if err != nil {
		return fmt.Errorf("load envelope: %w", err)
	}
	if !found || env.IsZero() {
		g.mu.Lock()
		g.envelope = Envelope{}
		g.credentialsErr = nil
		g.mu.Unlock()
		g.lockLocally(ctx, ReasonLoad)
		g.logger.Info("no stored credentials; passphrase not set")
		return nil
	}
	return g.loadEnvelope(ctx, env, false)
}

// LoadEnvelope 设置内存中的信封、持久化并通过 set-credentials 推送给 signer，会话保持锁定。
// 推送失败时后续 Unlock 返回 ErrCredentialsNotLoaded，直到再次调用成功。
func (g *Guard) LoadEnvelope(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return apierrors.Wrap(apierrors.CodeInvalidArgument, err.Error(), err)
	}
	return g.loadEnvelope(ctx, env, true)
}

func (g *Guard) loadEnvelope(ctx context.Context, env Envelope, persist bool) error {
	g.mu.Lock()
	g.envelope = env
	g.mu.Unlock()
	g.lockLocally(ctx, ReasonLoad)

	if persist {
		if err := g.store.Save(ctx, g.cfg.StorageName, env); err != nil {
			return fmt.Errorf("persist envelope: %w", err)
		}
	}

	err := g.caller.Call(ctx, MethodSetCredentials, env, nil)
	g.mu.Lock()
	g.credentialsErr = err
	g.mu.Unlock()
	if err != nil {
		g.logger.Warn("set-credentials failed", slog.Any("err", err))
		return fmt.Errorf("%w: %v", ErrCredentialsNotLoaded, err)
	}
	g.logger.Info("credentials loaded into signer")
	return nil
}

// SetPassphrase 让 signer 生成新的信封。已设置口令且会话锁定时同步拒绝。
// 成功后先持久化信封，再替换内存信封并进入（或保持）Unlocked、重新布置自动上锁。
func (g *Guard) SetPassphrase(ctx context.Context, passphrase string) error {
	if passphrase == "" {
		return ErrPassphraseRequired
	}
	if g.IsPassphraseSet() && g.IsLocked() {
		return ErrPassphraseLocked
	}

	var env Envelope
	params := map[string]string{"new_passphrase": passphrase}
	if err := g.caller.Call(ctx, MethodSetPassphrase, params, &env); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return apierrors.Wrap(apierrors.CodeSignerError, "signer returned invalid credentials", err)
	}

	// 先持久化：写入失败时内存中的信封与会话状态都保持不变，
	// 调用方可以用同一口令重试。
	if err := g.store.Save(ctx, g.cfg.StorageName, env); err != nil {
		g.logger.Error("signer accepted new passphrase but envelope not persisted", slog.Any("err", err))
		return fmt.Errorf("persist envelope: %w", err)
	}

	g.mu.Lock()
	from := g.state
	g.envelope = env
	g.credentialsErr = nil
	relockAt := g.armRelockLocked(g.cfg.RelockAfter)
	g.mu.Unlock()

	g.afterTransition(ctx, from, StateUnlocked, ReasonSetPassphrase, relockAt, nil)
	g.logger.Info("passphrase set", slog.Time("relock_at", relockAt))
	return nil
}

// Unlock 发送 unlock，signer 确认 success 后进入 Unlocked 并在 relock 后自动上锁。
// relock<=0 时使用配置的默认时长。
func (g *Guard) Unlock(ctx context.Context, passphrase string, relock time.Duration) error {
	if passphrase == "" {
		return ErrPassphraseRequired
	}
	if relock <= 0 {
		relock = g.cfg.RelockAfter
	}
	g.mu.Lock()
	credErr := g.credentialsErr
	g.mu.Unlock()
	if credErr != nil {
		return fmt.Errorf("%w: %v", ErrCredentialsNotLoaded, credErr)
	}

	var out struct {
		Success bool `json:"success"`
	}
	if err := g.caller.Call(ctx, MethodUnlock, map[string]string{"passphrase": passphrase}, &out); err != nil {
		g.metrics.observeUnlock("error")
		return err
	}
	if !out.Success {
		g.metrics.observeUnlock("rejected")
		g.logger.Info("unlock rejected by signer")
		return ErrUnlockRejected
	}
	g.metrics.observeUnlock("success")

	g.mu.Lock()
	from := g.state
	relockAt := g.armRelockLocked(relock)
	g.mu.Unlock()

	g.afterTransition(ctx, from, StateUnlocked, ReasonUnlock, relockAt, nil)
	g.logger.Info("session unlocked", slog.Time("relock_at", relockAt))
	return nil
}

// Lock 立即切换到 Locked、取消自动上锁并发送 lock。
// 同一解锁周期内的并发上锁请求共享同一次 RPC，解锁之后的上锁总是发送新的 RPC。
func (g *Guard) Lock(ctx context.Context) error {
	return g.lock(ctx, ReasonLock)
}

func (g *Guard) lock(ctx context.Context, reason string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	g.mu.Lock()
	from := g.state
	g.state = StateLocked
	g.disarmRelockLocked()
	key := "lock:" + strconv.FormatUint(g.unlockEpoch, 10)
	g.mu.Unlock()

	resultCh := g.lockGroup.DoChan(key, func() (interface{}, error) {
		err := g.caller.Call(ctx, MethodLock, struct{}{}, nil)
		if err != nil {
			g.logger.Warn("lock call failed; session locked locally", slog.Any("err", err))
		}
		return nil, err
	})
	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case res := <-resultCh:
		err = res.Err
	}
	if from != StateLocked {
		g.afterTransition(ctx, from, StateLocked, reason, time.Time{}, err)
	}
	return err
}

// Clear 上锁并删除已保存的信封，之后视为未设置口令，可以重新 SetPassphrase。
// lock RPC 失败只记录日志并随通知上报；删除信封失败时返回错误。
func (g *Guard) Clear(ctx context.Context) error {
	if err := g.lock(ctx, ReasonClear); err != nil {
		g.logger.Warn("clearing credentials without signer lock acknowledgement", slog.Any("err", err))
	}
	g.mu.Lock()
	g.envelope = Envelope{}
	g.credentialsErr = nil
	g.mu.Unlock()
	if err := g.store.Delete(ctx, g.cfg.StorageName); err != nil {
		return fmt.Errorf("delete envelope: %w", err)
	}
	g.logger.Info("stored credentials cleared")
	return nil
}

// lockLocally 切换到 Locked 并取消定时器，返回之前的状态。reason 非空时负责通知。
func (g *Guard) lockLocally(ctx context.Context, reason string) State {
	g.mu.Lock()
	from := g.state
	g.state = StateLocked
	g.disarmRelockLocked()
	g.mu.Unlock()
	if reason != "" && from != StateLocked {
		g.afterTransition(ctx, from, StateLocked, reason, time.Time{}, nil)
	}
	return from
}

func (g *Guard) armRelockLocked(d time.Duration) time.Time {
	g.disarmRelockLocked()
	g.relockGen++
	gen := g.relockGen
	g.unlockEpoch++
	g.state = StateUnlocked
	g.relockAt = g.clock.Now().Add(d)
	g.relockTimer = g.clock.AfterFunc(d, func() { g.onRelock(gen) })
	return g.relockAt
}

func (g *Guard) disarmRelockLocked() {
	if g.relockTimer != nil {
		g.relockTimer.Stop()
		g.relockTimer = nil
	}
	g.relockGen++
	g.relockAt = time.Time{}
}

func (g *Guard) onRelock(gen uint64) {
	g.mu.Lock()
	if gen != g.relockGen || g.state != StateUnlocked {
		g.mu.Unlock()
		return
	}
	g.relockTimer = nil
	g.mu.Unlock()

	g.metrics.incRelock()
	g.logger.Info("relock window elapsed; locking session")
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.LockTimeout)
	defer cancel()
	if err := g.lock(ctx, ReasonRelockTimeout); err != nil {
		g.logger.Warn("automatic relock did not reach signer", slog.Any("err", err))
	}
}

func (g *Guard) afterTransition(ctx context.Context, from, to State, reason string, relockAt time.Time, err error) {
	if from != to {
		g.metrics.observeTransition(to, reason)
	}
	notifier := g.notifier
	if notifier == nil {
		notifier = defaultNotifier()
	}
	notifier.LockStateChanged(ctx, StateEvent{
		From:     from,
		To:       to,
		Reason:   reason,
		At:       g.clock.Now(),
		RelockAt: relockAt,
		Err:      err,
	})
}

// Close 取消自动上锁定时器，不发送 lock。
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disarmRelockLocked()
}

// IsPassphraseSet 报告是否已有凭据信封。
func (g *Guard) IsPassphraseSet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.envelope.Check != ""
}

// IsLocked 报告会话是否锁定。
func (g *Guard) IsLocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == StateLocked
}

// State 返回当前状态。
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Envelope 返回当前信封副本。
func (g *Guard) Envelope() Envelope {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.envelope
}

// RequireUnlocked 在会话锁定时返回 ErrLocked。
func (g *Guard) RequireUnlocked() error {
	if g.IsLocked() {
		return ErrLocked
	}
	return nil
}

// Snapshot 是会话状态的只读视图。
type Snapshot struct {
	State            State      `json:"state"`
	PassphraseSet    bool       `json:"passphraseSet"`
	CredentialsError string     `json:"credentialsError,omitempty"`
	RelockAt         *time.Time `json:"relockAt,omitempty"`
}

// Snapshot 返回当前状态视图。
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	snap := Snapshot{
		State:         g.state,
		PassphraseSet: g.envelope.Check != "",
	}
	if g.credentialsErr != nil {
		snap.CredentialsError = g.credentialsErr.Error()
	}
	if !g.relockAt.IsZero() {
		relockAt := g.relockAt
		snap.RelockAt = &relockAt
	}
	return snap
}
