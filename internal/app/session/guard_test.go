package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aegis-sign/walletlink/internal/infra/secretstore"
	"github.com/aegis-sign/walletlink/pkg/apierrors"
	"github.com/aegis-sign/walletlink/pkg/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var testEnvelope = Envelope{
	Check:   strings.Repeat("c1", 32),
	EKeyEnc: strings.Repeat("e2", 48),
	Salt:    strings.Repeat("5a", 32),
}

type recordedCall struct {
	method string
	params json.RawMessage
}

// fakeCaller 按方法名返回预设结果，并记录每次调用。
type fakeCaller struct {
	mu       sync.Mutex
	calls    []recordedCall
	handlers map[string]func(params json.RawMessage) (any, error)
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{handlers: map[string]func(json.RawMessage) (any, error){
		MethodSetCredentials: func(json.RawMessage) (any, error) { return map[string]bool{"success": true}, nil },
		MethodSetPassphrase:  func(json.RawMessage) (any, error) { return testEnvelope, nil },
		MethodUnlock:         func(json.RawMessage) (any, error) { return map[string]bool{"success": true}, nil },
		MethodLock:           func(json.RawMessage) (any, error) { return map[string]bool{"success": true}, nil },
	}}
}

func (c *fakeCaller) on(method string, fn func(json.RawMessage) (any, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[method] = fn
}

func (c *fakeCaller) Call(_ context.Context, method string, params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.calls = append(c.calls, recordedCall{method: method, params: raw})
	fn := c.handlers[method]
	c.mu.Unlock()
	result, err := fn(raw)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (c *fakeCaller) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.method == method {
			n++
		}
	}
	return n
}

func (c *fakeCaller) last(method string) json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.calls) - 1; i >= 0; i-- {
		if c.calls[i].method == method {
			return c.calls[i].params
		}
	}
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []StateEvent
}

func (r *eventRecorder) LockStateChanged(_ context.Context, event StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) all() []StateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StateEvent(nil), r.events...)
}

type guardFixture struct {
	guard   *Guard
	caller  *fakeCaller
	store   *secretstore.MemoryStore
	clock   *clock.Fake
	events  *eventRecorder
	metrics *Metrics
}

func newGuardFixture(t *testing.T) *guardFixture {
	t.Helper()
	f := &guardFixture{
		caller:  newFakeCaller(),
		store:   secretstore.NewMemoryStore(),
		clock:   clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		events:  &eventRecorder{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	guard, err := NewGuard(f.caller, f.store, Config{},
		WithClock(f.clock),
		WithMetrics(f.metrics),
		WithNotifier(f.events),
	)
	require.NoError(t, err)
	t.Cleanup(guard.Close)
	f.guard = guard
	return f
}

func (f *guardFixture) seedEnvelope(t *testing.T) {
	t.Helper()
	require.NoError(t, f.store.Save(context.Background(), DefaultStorageName, testEnvelope))
	require.NoError(t, f.guard.Load(context.Background()))
}

func TestGuardStartsLocked(t *testing.T) {
	f := newGuardFixture(t)
	require.True(t, f.guard.IsLocked())
	require.False(t, f.guard.IsPassphraseSet())
	require.ErrorIs(t, f.guard.RequireUnlocked(), ErrLocked)
}

func TestGuardUnlockArmsDefaultRelock(t *testing.T) {
	f := newGuardFixture(t)
	f.seedEnvelope(t)

	require.NoError(t, f.guard.Unlock(context.Background(), "x", 0))
	require.Equal(t, StateUnlocked, f.guard.State())
	require.NoError(t, f.guard.RequireUnlocked())
	require.JSONEq(t, `{"passphrase":"x"}`, string(f.caller.last(MethodUnlock)))

	armed := f.clock.Armed()
	require.Equal(t, []time.Duration{60 * time.Second}, armed)
	snap := f.guard.Snapshot()
	require.NotNil(t, snap.RelockAt)
	require.Equal(t, f.clock.Now().Add(time.Minute), *snap.RelockAt)

	events := f.events.all()
	require.Len(t, events, 1)
	require.Equal(t, StateLocked, events[0].From)
	require.Equal(t, StateUnlocked, events[0].To)
	require.Equal(t, ReasonUnlock, events[0].Reason)
	require.Equal(t, float64(0), testutil.ToFloat64(f.metrics.locked))
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.unlocks.WithLabelValues("success")))
}

func TestGuardUnlockRejectedStaysLocked(t *testing.T) {
	f := newGuardFixture(t)
	f.seedEnvelope(t)
	f.caller.on(MethodUnlock, func(json.RawMessage) (any, error) {
		return map[string]bool{"success": false}, nil
	})

	err := f.guard.Unlock(context.Background(), "wrong", time.Minute)
	require.ErrorIs(t, err, ErrUnlockRejected)
	apiErr, ok := apierrors.FromError(err)
	require.True(t, ok)
	require.Equal(t, apierrors.CodeUnlockRejected, apiErr.Code)
	require.True(t, f.guard.IsLocked())
	require.Zero(t, f.clock.Pending())
	require.Empty(t, f.events.all())
}

func TestGuardUnlockSurfacesSignerError(t *testing.T) {
	f := newGuardFixture(t)
	signerErr := errors.New("transport gave up")
	f.caller.on(MethodUnlock, func(json.RawMessage) (any, error) { return nil, signerErr })

	require.ErrorIs(t, f.guard.Unlock(context.Background(), "x", 0), signerErr)
	require.True(t, f.guard.IsLocked())
}

func TestGuardUnlockRequiresPassphrase(t *testing.T) {
	f := newGuardFixture(t)
	require.ErrorIs(t, f.guard.Unlock(context.Background(), "", 0), ErrPassphraseRequired)
	require.Zero(t, f.caller.count(MethodUnlock))
}

func TestGuardSetPassphraseRejectedWhileLockedWithExistingPassphrase(t *testing.T) {
	f := newGuardFixture(t)
	f.seedEnvelope(t)
	before := f.guard.Envelope()

	err := f.guard.SetPassphrase(context.Background(), "y")
	require.ErrorIs(t, err, ErrPassphraseLocked)
	require.Zero(t, f.caller.count(MethodSetPassphrase))
	require.Equal(t, before, f.guard.Envelope())
	require.True(t, f.guard.IsLocked())
}

func TestGuardSetPassphraseWhileUnlockedReplacesEnvelope(t *testing.T) {
	f := newGuardFixture(t)
	f.seedEnvelope(t)
	require.NoError(t, f.guard.Unlock(context.Background(), "x", 10*time.Second))

	next := Envelope{
		Check:   strings.Repeat("0f", 32),
		EKeyEnc: strings.Repeat("1e", 48),
		Salt:    strings.Repeat("2d", 32),
	}
	f.caller.on(MethodSetPassphrase, func(json.RawMessage) (any, error) { return next, nil })

	require.NoError(t, f.guard.SetPassphrase(context.Background(), "y"))
	require.Equal(t, next, f.guard.Envelope())
	require.Equal(t, StateUnlocked, f.guard.State())

	var stored Envelope
	found, err := f.store.Load(context.Background(), DefaultStorageName, &stored)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, next, stored)

	// 重新布置的定时器取代了 10s 的旧定时器
	require.Equal(t, []time.Duration{10 * time.Second, 60 * time.Second}, f.clock.Armed())
	require.Equal(t, 1, f.clock.Pending())
}

func TestGuardFirstSetPassphraseUnlocksAndPersists(t *testing.T) {
	f := newGuardFixture(t)

	require.NoError(t, f.guard.SetPassphrase(context.Background(), "hunter2"))
	require.JSONEq(t, `{"new_passphrase":"hunter2"}`, string(f.caller.last(MethodSetPassphrase)))
	require.True(t, f.guard.IsPassphraseSet())
	require.Equal(t, StateUnlocked, f.guard.State())
	require.Equal(t, []time.Duration{DefaultRelockAfter}, f.clock.Armed())

	var stored Envelope
	found, err := f.store.Load(context.Background(), DefaultStorageName, &stored)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, testEnvelope, stored)

	events := f.events.all()
	require.Len(t, events, 1)
	require.Equal(t, ReasonSetPassphrase, events[0].Reason)
}

func TestGuardSetPassphraseFailureLeavesStateUnchanged(t *testing.T) {
	f := newGuardFixture(t)
	f.caller.on(MethodSetPassphrase, func(json.RawMessage) (any, error) { return nil, errors.New("signer busy") })

	require.Error(t, f.guard.SetPassphrase(context.Background(), "y"))
	require.False(t, f.guard.IsPassphraseSet())
	require.True(t, f.guard.IsLocked())

	f.caller.on(MethodSetPassphrase, func(json.RawMessage) (any, error) {
		return Envelope{Check: "short", EKeyEnc: "x", Salt: "y"}, nil
	})
	err := f.guard.SetPassphrase(context.Background(), "y")
	apiErr, ok := apierrors.FromError(err)
	require.True(t, ok)
	require.Equal(t, apierrors.CodeSignerError, apiErr.Code)
	require.False(t, f.guard.IsPassphraseSet())
}

type failingSaveStore struct {
	*secretstore.MemoryStore
	err error
}

func (s failingSaveStore) Save(context.Context, string, any) error { return s.err }

func TestGuardSetPassphrasePersistFailureKeepsState(t *testing.T) {
	f := newGuardFixture(t)
	saveErr := errors.New("disk full")
	guard, err := NewGuard(f.caller, failingSaveStore{MemoryStore: f.store, err: saveErr}, Config{},
		WithClock(f.clock), WithNotifier(f.events))
	require.NoError(t, err)
	t.Cleanup(guard.Close)

	require.ErrorIs(t, guard.SetPassphrase(context.Background(), "hunter2"), saveErr)
	require.False(t, guard.IsPassphraseSet())
	require.True(t, guard.IsLocked())
	require.Zero(t, f.clock.Pending())
	require.Empty(t, f.events.all())
}

func TestGuardClearRemovesStoredEnvelope(t *testing.T) {
	f := newGuardFixture(t)
	require.NoError(t, f.guard.SetPassphrase(context.Background(), "hunter2"))

	require.NoError(t, f.guard.Clear(context.Background()))
	require.True(t, f.guard.IsLocked())
	require.False(t, f.guard.IsPassphraseSet())
	require.Zero(t, f.clock.Pending())
	require.Equal(t, 1, f.caller.count(MethodLock))
	found, err := f.store.Load(context.Background(), DefaultStorageName, &Envelope{})
	require.NoError(t, err)
	require.False(t, found)

	events := f.events.all()
	require.Equal(t, ReasonClear, events[len(events)-1].Reason)

	// 清除后允许在锁定状态下重新设置口令
	require.NoError(t, f.guard.SetPassphrase(context.Background(), "fresh"))
	require.Equal(t, StateUnlocked, f.guard.State())
}

func TestGuardClearSucceedsWhenSignerUnreachable(t *testing.T) {
	f := newGuardFixture(t)
	f.seedEnvelope(t)
	f.caller.on(MethodLock, func(json.RawMessage) (any, error) { return nil, errors.New("signer unreachable") })

	require.NoError(t, f.guard.Clear(context.Background()))
	require.False(t, f.guard.IsPassphraseSet())
	found, err := f.store.Load(context.Background(), DefaultStorageName, &Envelope{})
	require.NoError(t, err)
	require.False(t, found)
}

func TestGuardRelockTimeoutLocksAndNotifies(t *testing.T) {
	f := newGuardFixture(t)
	f.seedEnvelope(t)
	require.NoError(t, f.guard.Unlock(context.Background(), "x", 30*time.Second))

	f.clock.Advance(29 * time.Second)
	require.Equal(t, StateUnlocked, f.guard.State())
	require.Zero(t, f.caller.count(MethodLock))

	f.clock.Advance(time.Second)
	require.Equal(t, StateLocked, f.guard.State())
	require.Equal(t, 1, f.caller.count(MethodLock))
	require.Equal(t, float64(1), testutil.ToFloat64(f.metrics.relocks))

	events := f.events.all()
	require.Len(t, events, 2)
	require.Equal(t, ReasonRelockTimeout, events[1].Reason)
	require.Equal(t, StateUnlocked, events[1].From)
	require.Equal(t, StateLocked, events[1].To)
}

func TestGuardOnlyLatestRelockTimerFires(t *testing.T) {
	f := newGuardFixture(t)
	f.seedEnvelope(t)
	require.NoError(t, f.guard.Unlock(context.Background(), "x", 30*time.Second))
	require.NoError(t, f.guard.Unlock(context.Background(), "x", 90*time.Second))
	require.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(60 * time.Second)
	require.Equal(t, StateUnlocked, f.guard.State())
	require.Zero(t, f.caller.count(MethodLock))

	f.clock.Advance(30 * time.Second)
	require.Equal(t, StateLocked, f.guard.State())
	require.Equal(t, 1, f.caller.count(MethodLock))
}

func TestGuardStaleRelockCallbackIsIgnored(t *testing.T) {
	f := newGuardFixture(t)
	f.seedEnvelope(t)
	require.NoError(t, f.guard.Unlock(context.Background(), "x", 30*time.Second))

	f.guard.mu.Lock()
	stale := f.guard.relockGen
	f.guard.mu.Unlock()
	require.NoError(t, f.guard.Unlock(context.Background(), "x", 30*time.Second))

	f.guard.onRelock(stale)
	require.Equal(t, StateUnlocked, f.guard.State())
	require.Zero(t, f.caller.count(MethodLock))
}

func TestGuardExplicitLockCancelsRelock(t *testing.T) {
	f := newGuardFixture(t)
	f.seedEnvelope(t)
	require.NoError(t, f.guard.Unlock(context.Background(), "x", 30*time.Second))

	require.NoError(t, f.guard.Lock(context.Background()))
	require.True(t, f.guard.IsLocked())
	require.Zero(t, f.clock.Pending())
	require.Nil(t, f.guard.Snapshot().RelockAt)

	f.clock.Advance(time.Minute)
	require.Equal(t, 1, f.caller.count(MethodLock))
	require.JSONEq(t, `{}`, string(f.caller.last(MethodLock)))
}

func TestGuardLockIsUnconditional(t *testing.T) {
	f := newGuardFixture(t)
	f.seedEnvelope(t)
	require.NoError(t, f.guard.Unlock(context.Background(), "x", 0))
	lockErr := errors.New("signer unreachable")
	f.caller.on(MethodLock, func(json.RawMessage) (any, error) { return nil, lockErr })

	require.ErrorIs(t, f.guard.Lock(context.Background()), lockErr)
	require.True(t, f.guard.IsLocked())

	events := f.events.all()
	require.Equal(t, ReasonLock, events[len(events)-1].Reason)
	require.ErrorIs(t, events[len(events)-1].Err, lockErr)
}

func TestGuardLockAfterUnlockSendsFreshRPC(t *testing.T) {
	f := newGuardFixture(t)
	f.seedEnvelope(t)
	require.NoError(t, f.guard.Unlock(context.Background(), "x", 0))

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	f.caller.on(MethodLock, func(json.RawMessage) (any, error) {
		started <- struct{}{}
		<-release
		return map[string]bool{"success": true}, nil
	})

	errs := make(chan error, 2)
	go func() { errs <- f.guard.Lock(context.Background()) }()
	<-started
	require.True(t, f.guard.IsLocked())

	require.NoError(t, f.guard.Unlock(context.Background(), "x", 0))
	require.False(t, f.guard.IsLocked())

	go func() { errs <- f.guard.Lock(context.Background()) }()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("lock after unlock joined the earlier lock RPC")
	}
	require.True(t, f.guard.IsLocked())

	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	require.True(t, f.guard.IsLocked())
	require.Equal(t, 2, f.caller.count(MethodLock))
	require.Zero(t, f.clock.Pending())
}

func TestGuardLockWhileLockedDoesNotNotify(t *testing.T) {
	f := newGuardFixture(t)
	require.NoError(t, f.guard.Lock(context.Background()))
	require.True(t, f.guard.IsLocked())
	require.Equal(t, 1, f.caller.count(MethodLock))
	require.Empty(t, f.events.all())
}

func TestGuardLoadWithoutStoredEnvelope(t *testing.T) {
	f := newGuardFixture(t)
	require.NoError(t, f.guard.Load(context.Background()))
	require.False(t, f.guard.IsPassphraseSet())
	require.Zero(t, f.caller.count(MethodSetCredentials))
}

func TestGuardLoadPushesStoredEnvelope(t *testing.T) {
	f := newGuardFixture(t)
	f.seedEnvelope(t)

	require.True(t, f.guard.IsPassphraseSet())
	require.True(t, f.guard.IsLocked())
	var sent Envelope
	require.NoError(t, json.Unmarshal(f.caller.last(MethodSetCredentials), &sent))
	require.Equal(t, testEnvelope, sent)
}

func TestGuardFailedCredentialsBlockUnlockUntilRetried(t *testing.T) {
	f := newGuardFixture(t)
	f.caller.on(MethodSetCredentials, func(json.RawMessage) (any, error) { return nil, errors.New("signer down") })
	require.NoError(t, f.store.Save(context.Background(), DefaultStorageName, testEnvelope))

	require.ErrorIs(t, f.guard.Load(context.Background()), ErrCredentialsNotLoaded)
	require.ErrorIs(t, f.guard.Unlock(context.Background(), "x", 0), ErrCredentialsNotLoaded)
	require.Zero(t, f.caller.count(MethodUnlock))
	require.NotEmpty(t, f.guard.Snapshot().CredentialsError)

	f.caller.on(MethodSetCredentials, func(json.RawMessage) (any, error) { return map[string]bool{"success": true}, nil })
	require.NoError(t, f.guard.LoadEnvelope(context.Background(), testEnvelope))
	require.NoError(t, f.guard.Unlock(context.Background(), "x", 0))
	require.Empty(t, f.guard.Snapshot().CredentialsError)
}

func TestGuardLoadEnvelopeValidatesFields(t *testing.T) {
	f := newGuardFixture(t)
	err := f.guard.LoadEnvelope(context.Background(), Envelope{Check: "00", EKeyEnc: "11", Salt: "22"})
	apiErr, ok := apierrors.FromError(err)
	require.True(t, ok)
	require.Equal(t, apierrors.CodeInvalidArgument, apiErr.Code)
	require.Zero(t, f.caller.count(MethodSetCredentials))
}

func TestGuardLoadEnvelopeRelocksUnlockedSession(t *testing.T) {
	f := newGuardFixture(t)
	f.seedEnvelope(t)
	require.NoError(t, f.guard.Unlock(context.Background(), "x", 0))

	require.NoError(t, f.guard.LoadEnvelope(context.Background(), testEnvelope))
	require.True(t, f.guard.IsLocked())
	require.Zero(t, f.clock.Pending())
	events := f.events.all()
	require.Equal(t, ReasonLoad, events[len(events)-1].Reason)
}

func TestGuardUsesGlobalNotifierByDefault(t *testing.T) {
	rec := &eventRecorder{}
	SetNotifier(rec)
	t.Cleanup(func() { SetNotifier(nil) })

	caller := newFakeCaller()
	guard, err := NewGuard(caller, secretstore.NewMemoryStore(), Config{}, WithClock(clock.NewFake(time.Unix(0, 0))))
	require.NoError(t, err)
	t.Cleanup(guard.Close)

	require.NoError(t, guard.Unlock(context.Background(), "x", 0))
	require.Len(t, rec.all(), 1)
}

func TestNewGuardRequiresCollaborators(t *testing.T) {
	_, err := NewGuard(nil, secretstore.NewMemoryStore(), Config{})
	require.Error(t, err)
	_, err = NewGuard(newFakeCaller(), nil, Config{})
	require.Error(t, err)
}
