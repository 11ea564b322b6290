package config

import (
	"context"
	"fmt"
	"io"

	"github.com/aegis-sign/walletlink/internal/infra/secretstore"
)

// OpenStore 按配置创建凭据存储。返回的 io.Closer 可能为 nil。
// Redis 后端会先 Ping 一次，连接失败直接返回错误。
func (c SecretStoreConfig) OpenStore(ctx context.Context) (secretstore.Store, io.Closer, error) {
	switch c.Kind {
	case secretstore.KindFile:
		store, err := secretstore.NewFileStore(c.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	case secretstore.KindRedis:
		opts := []secretstore.RedisOption{secretstore.WithTTL(c.TTL)}
		if c.Prefix != "" {
			opts = append(opts, secretstore.WithPrefix(c.Prefix))
		}
		store := secretstore.NewRedisStore(c.RedisAddr, c.Password, c.RedisDB, opts...)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("connect secret store %s: %w", c.RedisAddr, err)
		}
		return store, store, nil
	case secretstore.KindMemory:
		return secretstore.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown secret store kind %q", c.Kind)
	}
}
