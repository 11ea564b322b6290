package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aegis-sign/walletlink/internal/app/session"
	"github.com/aegis-sign/walletlink/internal/infra/secretstore"
	"github.com/stretchr/testify/require"
)

// stalledSigner 模拟从不轮询的 signer：调用一直挂起直到 ctx 结束。
type stalledSigner struct {
	calls chan string
}

func (s *stalledSigner) Call(ctx context.Context, method string, _ any, _ any) error {
	s.calls <- method
	<-ctx.Done()
	return ctx.Err()
}

func TestLoadCredentialsBoundedWhenSignerStalls(t *testing.T) {
	store := secretstore.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), "credentials", session.Envelope{
		Check:   strings.Repeat("c1", 32),
		EKeyEnc: strings.Repeat("e2", 48),
		Salt:    strings.Repeat("5a", 32),
	}))
	signer := &stalledSigner{calls: make(chan string, 4)}
	guard, err := session.NewGuard(signer, store, session.Config{StorageName: "credentials"})
	require.NoError(t, err)
	t.Cleanup(guard.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	done := make(chan error, 1)
	go func() {
		done <- loadCredentials(context.Background(), guard, 50*time.Millisecond, logger)
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, session.ErrCredentialsNotLoaded)
	case <-time.After(2 * time.Second):
		t.Fatal("credential load did not honour its timeout")
	}
	require.Equal(t, session.MethodSetCredentials, <-signer.calls)
	require.True(t, guard.IsLocked())
	require.True(t, guard.IsPassphraseSet())
}

func TestLoadCredentialsPassesThroughSuccess(t *testing.T) {
	loader := loaderFunc(func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("load context has no deadline")
		}
		return nil
	})
	require.NoError(t, loadCredentials(context.Background(), loader, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil))))
}

type loaderFunc func(ctx context.Context) error

func (f loaderFunc) Load(ctx context.Context) error { return f(ctx) }
