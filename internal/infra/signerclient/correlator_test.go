package signerclient

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aegis-sign/walletlink/pkg/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestCorrelator(t *testing.T, clk clock.Clock, ttl time.Duration) (*Correlator, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewCorrelator(CorrelatorConfig{Clock: clk, Metrics: metrics, PendingTTL: ttl}), metrics
}

func TestCorrelatorIssuesMonotonicIDs(t *testing.T) {
	corr, _ := newTestCorrelator(t, clock.NewFake(time.Unix(0, 0)), 0)
	seen := make(map[uint64]struct{})
	var last uint64
	for i := 0; i < 100; i++ {
		call, err := corr.Register("lock", nil)
		require.NoError(t, err)
		require.Greater(t, call.ID, last)
		_, dup := seen[call.ID]
		require.False(t, dup)
		seen[call.ID] = struct{}{}
		last = call.ID
	}
	require.Equal(t, 100, corr.InFlight())

	// ids 不会因为应答回收而复用
	corr.Dispatch([]byte(`{"id":100,"result":{}}`))
	next, err := corr.Register("lock", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(101), next.ID)
}

func TestCorrelatorDispatchBatchInOrder(t *testing.T) {
	corr, _ := newTestCorrelator(t, clock.NewFake(time.Unix(0, 0)), 0)
	first, err := corr.Register("get-node", map[string]string{"seed": "a"})
	require.NoError(t, err)
	second, err := corr.Register("get-node", map[string]string{"seed": "b"})
	require.NoError(t, err)

	order := make(chan uint64, 2)
	for _, c := range []*Call{first, second} {
		c := c
		go func() {
			<-c.Done()
			order <- c.ID
		}()
	}

	report := corr.Dispatch([]byte(`[{"id":1,"result":"A"},{"id":2,"result":"B"}]`))
	require.Equal(t, 2, report.Delivered)
	require.Zero(t, report.Unmatched)
	require.False(t, report.AppError)

	var a, b string
	require.NoError(t, first.Decode(context.Background(), &a))
	require.NoError(t, second.Decode(context.Background(), &b))
	require.Equal(t, "A", a)
	require.Equal(t, "B", b)
	require.Zero(t, corr.InFlight())
	require.Empty(t, corr.PendingIDs())

	got := []uint64{<-order, <-order}
	require.ElementsMatch(t, []uint64{1, 2}, got)
}

func TestCorrelatorDiscardsUnknownID(t *testing.T) {
	var hookID uint64
	var hookHasID bool
	metrics := NewMetrics(prometheus.NewRegistry())
	corr := NewCorrelator(CorrelatorConfig{
		Clock:   clock.NewFake(time.Unix(0, 0)),
		Metrics: metrics,
		OnUnmatched: func(id uint64, hasID bool) {
			hookID, hookHasID = id, hasID
		},
	})
	call, err := corr.Register("lock", nil)
	require.NoError(t, err)

	report := corr.Dispatch([]byte(`{"id":42,"result":{"success":true}}`))
	require.Equal(t, 1, report.Unmatched)
	require.Nil(t, report.Malformed)
	require.Equal(t, 1, corr.InFlight())
	require.Equal(t, uint64(42), hookID)
	require.True(t, hookHasID)
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.unmatched))

	_, err = call.Result()
	require.ErrorIs(t, err, ErrCallPending)
}

func TestCorrelatorDeliversAtMostOnce(t *testing.T) {
	corr, metrics := newTestCorrelator(t, clock.NewFake(time.Unix(0, 0)), 0)
	call, err := corr.Register("unlock", map[string]string{"passphrase": "x"})
	require.NoError(t, err)

	require.Equal(t, 1, corr.Dispatch([]byte(`{"id":1,"result":{"success":true}}`)).Delivered)
	report := corr.Dispatch([]byte(`{"id":1,"result":{"success":false}}`))
	require.Equal(t, 1, report.Unmatched)

	var out struct {
		Success bool `json:"success"`
	}
	require.NoError(t, call.Decode(context.Background(), &out))
	require.True(t, out.Success)
	require.False(t, corr.Fail(call.ID, errors.New("late")))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.unmatched))
}

func TestCorrelatorSurfacesApplicationError(t *testing.T) {
	corr, _ := newTestCorrelator(t, clock.NewFake(time.Unix(0, 0)), 0)
	call, err := corr.Register("set-passphrase", map[string]string{"new_passphrase": "y"})
	require.NoError(t, err)

	report := corr.Dispatch([]byte(`{"id":1,"error":{"code":-3,"message":"wallet is locked"}}`))
	require.True(t, report.AppError)
	require.Equal(t, 1, report.Failed)

	_, err = call.Wait(context.Background())
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, -3, rpcErr.Code)
	require.Equal(t, "set-passphrase", rpcErr.Method)
	require.Contains(t, rpcErr.Error(), "wallet is locked")
}

func TestCorrelatorBatchWithErrorIsNotAppError(t *testing.T) {
	corr, _ := newTestCorrelator(t, clock.NewFake(time.Unix(0, 0)), 0)
	_, err := corr.Register("lock", nil)
	require.NoError(t, err)
	_, err = corr.Register("lock", nil)
	require.NoError(t, err)

	report := corr.Dispatch([]byte(`[{"id":1,"error":"boom"},{"id":2,"result":true}]`))
	require.False(t, report.AppError)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 1, report.Delivered)
}

func TestCorrelatorMalformedBody(t *testing.T) {
	corr, _ := newTestCorrelator(t, clock.NewFake(time.Unix(0, 0)), 0)
	_, err := corr.Register("lock", nil)
	require.NoError(t, err)

	report := corr.Dispatch([]byte(`<html>`))
	require.ErrorIs(t, report.Malformed, errMalformedBody)
	require.Equal(t, 1, corr.InFlight())

	require.Equal(t, DispatchReport{}, corr.Dispatch(nil))
	require.Equal(t, DispatchReport{}, corr.Dispatch([]byte(" null ")))
}

func TestCorrelatorEvictsExpiredCalls(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	corr, metrics := newTestCorrelator(t, clk, time.Minute)
	old, err := corr.Register("get-node", nil)
	require.NoError(t, err)
	clk.Advance(45 * time.Second)
	fresh, err := corr.Register("get-node", nil)
	require.NoError(t, err)

	clk.Advance(30 * time.Second)
	require.Equal(t, 1, corr.Evict(clk.Now()))

	_, err = old.Result()
	require.ErrorIs(t, err, ErrCallExpired)
	_, err = fresh.Result()
	require.ErrorIs(t, err, ErrCallPending)
	require.Equal(t, []uint64{fresh.ID}, corr.PendingIDs())
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.evicted))
}

func TestCorrelatorCloseFailsPending(t *testing.T) {
	corr, _ := newTestCorrelator(t, clock.NewFake(time.Unix(0, 0)), 0)
	call, err := corr.Register("lock", nil)
	require.NoError(t, err)

	corr.Close(nil)
	_, err = call.Wait(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.False(t, corr.HasPending())

	_, err = corr.Register("lock", nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestCallWaitHonoursContext(t *testing.T) {
	corr, _ := newTestCorrelator(t, clock.NewFake(time.Unix(0, 0)), 0)
	call, err := corr.Register("lock", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = call.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	// 放弃等待不会撤回调用
	require.Equal(t, 1, corr.InFlight())
}

func TestCallEncodeEnvelope(t *testing.T) {
	corr, _ := newTestCorrelator(t, clock.NewFake(time.Unix(0, 0)), 0)
	call, err := corr.Register("lock", nil)
	require.NoError(t, err)

	raw, err := call.encode()
	require.NoError(t, err)
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &env))
	require.JSONEq(t, `1`, string(env["id"]))
	require.JSONEq(t, `"lock"`, string(env["method"]))
	require.JSONEq(t, `{}`, string(env["params"]))
}
