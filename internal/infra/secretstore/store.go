package secretstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store 持久化非机密的凭据信封等小型 JSON 文档。
type Store interface {
	// Load 将 name 对应的文档解码到 v，不存在时返回 false 且不报错。
	Load(ctx context.Context, name string, v any) (bool, error)
	// Save 原子地替换 name 对应的文档。
	Save(ctx context.Context, name string, v any) error
	// Delete 删除文档，不存在时视为成功。
	Delete(ctx context.Context, name string) error
}

const (
	KindFile   = "file"
	KindRedis  = "redis"
	KindMemory = "memory"
)

// ErrInvalidName 表示文档名为空或包含路径分隔符。
var ErrInvalidName = errors.New("invalid secret store name")

func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}
