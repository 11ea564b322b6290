package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aegis-sign/walletlink/internal/infra/secretstore"
	"github.com/aegis-sign/walletlink/internal/infra/signerclient"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "walletd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, signerclient.TransportHTTP, cfg.Signer.Transport)
	require.Equal(t, 500*time.Millisecond, cfg.Signer.BackoffMin)
	require.Equal(t, 16*time.Second, cfg.Signer.BackoffMax)
	require.Equal(t, time.Minute, cfg.Session.RelockAfter)
	require.Equal(t, "credentials", cfg.Session.StorageName)
	require.Equal(t, secretstore.KindFile, cfg.SecretStore.Kind)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
signer:
  endpoint: unix:///run/signer.sock
  transport: grpc
  backoff_min: 250ms
  backoff_max: 8s
  max_send_attempts: 4
secret_store:
  kind: redis
  redis_addr: 127.0.0.1:6379
  prefix: "wl:"
  ttl: 24h
session:
  relock_after: 5m
api:
  listen_addr: 0.0.0.0:9000
  unlock_rate_limit: 0.5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "unix:///run/signer.sock", cfg.Signer.Endpoint)
	require.Equal(t, signerclient.TransportGRPC, cfg.Signer.Transport)
	require.Equal(t, 250*time.Millisecond, cfg.Signer.BackoffMin)
	require.Equal(t, 8*time.Second, cfg.Signer.BackoffMax)
	require.Equal(t, 24*time.Hour, cfg.SecretStore.TTL)
	require.Equal(t, 5*time.Minute, cfg.Session.RelockAfter)
	require.Equal(t, 0.5, cfg.API.UnlockRateLimit)
	require.Equal(t, 5, cfg.API.UnlockRateBurst)

	sc := cfg.SignerClient()
	require.Equal(t, 4, sc.MaxSendAttempts)
	require.Equal(t, 250*time.Millisecond, sc.Backoff.Min)
	require.Equal(t, 2.0, sc.Backoff.Multiplier)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "session:\n  relock_after: 5m\n")
	t.Setenv("WALLETD_RELOCK_AFTER", "90s")
	t.Setenv("WALLETD_SECRET_STORE", "memory")
	t.Setenv("WALLETD_UNLOCK_RATE_LIMIT", "0")
	t.Setenv("WALLETD_LISTEN_ADDR", "127.0.0.1:9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.Session.RelockAfter)
	require.Equal(t, secretstore.KindMemory, cfg.SecretStore.Kind)
	require.Zero(t, cfg.API.UnlockRateLimit)
	require.Equal(t, "127.0.0.1:9999", cfg.API.ListenAddr)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	_, err := Load(writeConfig(t, "signer:\n  transport: carrier-pigeon\n"))
	require.ErrorContains(t, err, "unknown signer transport")

	_, err = Load(writeConfig(t, "secret_store:\n  kind: redis\n"))
	require.ErrorContains(t, err, "redis_addr")

	_, err = Load(writeConfig(t, "signer: [not, a, map]\n"))
	require.ErrorContains(t, err, "parse config")

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestNormalizeBackoffBounds(t *testing.T) {
	cfg := Default()
	cfg.Signer.BackoffMin = 20 * time.Second
	cfg.Signer.BackoffMax = time.Second
	cfg.Signer.BackoffMultiplier = 0.5
	cfg = cfg.normalize()
	require.Equal(t, 20*time.Second, cfg.Signer.BackoffMax)
	require.Equal(t, 2.0, cfg.Signer.BackoffMultiplier)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	store, closer, err := SecretStoreConfig{Kind: secretstore.KindFile, Dir: t.TempDir()}.OpenStore(ctx)
	require.NoError(t, err)
	require.Nil(t, closer)
	require.IsType(t, &secretstore.FileStore{}, store)

	store, _, err = SecretStoreConfig{Kind: secretstore.KindMemory}.OpenStore(ctx)
	require.NoError(t, err)
	require.IsType(t, &secretstore.MemoryStore{}, store)

	srv := miniredis.RunT(t)
	store, closer, err = SecretStoreConfig{Kind: secretstore.KindRedis, RedisAddr: srv.Addr(), Prefix: "wl:"}.OpenStore(ctx)
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer closer.Close()
	require.NoError(t, store.Save(ctx, "credentials", map[string]string{"check": "00"}))
	require.True(t, srv.Exists("wl:credentials"))

	_, _, err = SecretStoreConfig{Kind: "etcd"}.OpenStore(ctx)
	require.Error(t, err)
}

func TestOpenStoreRedisUnavailable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := SecretStoreConfig{Kind: secretstore.KindRedis, RedisAddr: addr}.OpenStore(ctx)
	require.ErrorContains(t, err, "connect secret store")
}
