// Package config 加载 walletd 的 YAML 配置文件并叠加环境变量。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aegis-sign/walletlink/internal/infra/secretstore"
	"github.com/aegis-sign/walletlink/internal/infra/signerclient"
	"gopkg.in/yaml.v3"
)

// Config 是 walletd 的完整配置。
type Config struct {
	Signer      SignerConfig      `yaml:"signer"`
	SecretStore SecretStoreConfig `yaml:"secret_store"`
	Session     SessionConfig     `yaml:"session"`
	API         APIConfig         `yaml:"api"`
	LogLevel    string            `yaml:"log_level"`
}

// SignerConfig 对应 signerclient.Config 中可由文件配置的部分。
type SignerConfig struct {
	Endpoint          string        `yaml:"endpoint"`
	Transport         string        `yaml:"transport"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	PendingTTL        time.Duration `yaml:"pending_ttl"`
	MaxSendAttempts   int           `yaml:"max_send_attempts"`
	BackoffMin        time.Duration `yaml:"backoff_min"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	GRPCDialTimeout   time.Duration `yaml:"grpc_dial_timeout"`
}

// SecretStoreConfig 选择凭据信封的持久化后端。
type SecretStoreConfig struct {
	Kind      string        `yaml:"kind"`
	Dir       string        `yaml:"dir"`
	RedisAddr string        `yaml:"redis_addr"`
	RedisDB   int           `yaml:"redis_db"`
	Password  string        `yaml:"redis_password"`
	Prefix    string        `yaml:"prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// SessionConfig 控制自动上锁。
type SessionConfig struct {
	RelockAfter time.Duration `yaml:"relock_after"`
	StorageName string        `yaml:"storage_name"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// APIConfig 控制对外 HTTP 接口。
type APIConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	UnlockRateLimit float64       `yaml:"unlock_rate_limit"`
	UnlockRateBurst int           `yaml:"unlock_rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default 返回与 signerclient.DefaultConfig 一致的默认配置。
func Default() Config {
	sc := signerclient.DefaultConfig()
	return Config{
		Signer: SignerConfig{
			Endpoint:          sc.Endpoint,
			Transport:         sc.Transport,
			RequestTimeout:    sc.RequestTimeout,
			PendingTTL:        sc.PendingTTL,
			BackoffMin:        sc.Backoff.Min,
			BackoffMax:        sc.Backoff.Max,
			BackoffMultiplier: sc.Backoff.Multiplier,
			GRPCDialTimeout:   sc.GRPC.DialTimeout,
		},
		SecretStore: SecretStoreConfig{
			Kind: secretstore.KindFile,
			Dir:  "./data",
		},
		Session: SessionConfig{
			RelockAfter: time.Minute,
			StorageName: "credentials",
			LockTimeout: 10 * time.Second,
		},
		API: APIConfig{
			ListenAddr:      "127.0.0.1:8080",
			RequestTimeout:  30 * time.Second,
			UnlockRateLimit: 1,
			UnlockRateBurst: 5,
			ShutdownTimeout: 10 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load 读取 path 指向的 YAML 文件（path 为空时只用默认值），叠加
// WALLETD_* 环境变量后补齐缺省值。
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg = applyEnv(cfg).normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate 检查互相依赖的字段。
func (c Config) Validate() error {
	switch c.Signer.Transport {
	case signerclient.TransportHTTP, signerclient.TransportGRPC:
	default:
		return fmt.Errorf("unknown signer transport %q", c.Signer.Transport)
	}
	if c.Signer.Endpoint == "" {
		return errors.New("signer endpoint is required")
	}
	switch c.SecretStore.Kind {
	case secretstore.KindFile:
		if c.SecretStore.Dir == "" {
			return errors.New("secret_store.dir is required for the file store")
		}
	case secretstore.KindRedis:
		if c.SecretStore.RedisAddr == "" {
			return errors.New("secret_store.redis_addr is required for the redis store")
		}
	case secretstore.KindMemory:
	default:
		return fmt.Errorf("unknown secret store kind %q", c.SecretStore.Kind)
	}
	return nil
}

// SignerClient 转换为 signerclient.Config，未配置的字段保持客户端默认值。
func (c Config) SignerClient() signerclient.Config {
	sc := signerclient.DefaultConfig()
	sc.Endpoint = c.Signer.Endpoint
	sc.Transport = c.Signer.Transport
	sc.RequestTimeout = c.Signer.RequestTimeout
	sc.PendingTTL = c.Signer.PendingTTL
	sc.MaxSendAttempts = c.Signer.MaxSendAttempts
	sc.Backoff.Min = c.Signer.BackoffMin
	sc.Backoff.Max = c.Signer.BackoffMax
	sc.Backoff.Multiplier = c.Signer.BackoffMultiplier
	sc.GRPC.DialTimeout = c.Signer.GRPCDialTimeout
	return sc
}

func applyEnv(cfg Config) Config {
	if v := os.Getenv("WALLETD_SIGNER_ENDPOINT"); v != "" {
		cfg.Signer.Endpoint = v
	}
	if v := os.Getenv("WALLETD_SIGNER_TRANSPORT"); v != "" {
		cfg.Signer.Transport = v
	}
	if v := os.Getenv("WALLETD_SECRET_STORE"); v != "" {
		cfg.SecretStore.Kind = v
	}
	if v := os.Getenv("WALLETD_SECRET_DIR"); v != "" {
		cfg.SecretStore.Dir = v
	}
	if v := os.Getenv("WALLETD_REDIS_ADDR"); v != "" {
		cfg.SecretStore.RedisAddr = v
	}
	if v := os.Getenv("WALLETD_REDIS_PASSWORD"); v != "" {
		cfg.SecretStore.Password = v
	}
	if d := readDuration("WALLETD_RELOCK_AFTER"); d > 0 {
		cfg.Session.RelockAfter = d
	}
	if v := os.Getenv("WALLETD_LISTEN_ADDR"); v != "" {
		cfg.API.ListenAddr = v
	}
	if v, ok := readFloat("WALLETD_UNLOCK_RATE_LIMIT"); ok {
		cfg.API.UnlockRateLimit = v
	}
	if v := os.Getenv("WALLETD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

func (c Config) normalize() Config {
	def := Default()
	if c.Signer.Transport == "" {
		c.Signer.Transport = def.Signer.Transport
	}
	if c.Signer.RequestTimeout <= 0 {
		c.Signer.RequestTimeout = def.Signer.RequestTimeout
	}
	if c.Signer.PendingTTL < 0 {
		c.Signer.PendingTTL = 0
	}
	if c.Signer.BackoffMin <= 0 {
		c.Signer.BackoffMin = def.Signer.BackoffMin
	}
	if c.Signer.BackoffMax < c.Signer.BackoffMin {
		c.Signer.BackoffMax = def.Signer.BackoffMax
		if c.Signer.BackoffMax < c.Signer.BackoffMin {
			c.Signer.BackoffMax = c.Signer.BackoffMin
		}
	}
	if c.Signer.BackoffMultiplier < 1 {
		c.Signer.BackoffMultiplier = def.Signer.BackoffMultiplier
	}
	if c.Signer.GRPCDialTimeout <= 0 {
		c.Signer.GRPCDialTimeout = def.Signer.GRPCDialTimeout
	}
	if c.SecretStore.Kind == "" {
		c.SecretStore.Kind = def.SecretStore.Kind
	}
	if c.Session.RelockAfter <= 0 {
		c.Session.RelockAfter = def.Session.RelockAfter
	}
	if c.Session.StorageName == "" {
		c.Session.StorageName = def.Session.StorageName
	}
	if c.Session.LockTimeout <= 0 {
		c.Session.LockTimeout = def.Session.LockTimeout
	}
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = def.API.ListenAddr
	}
	if c.API.RequestTimeout <= 0 {
		c.API.RequestTimeout = def.API.RequestTimeout
	}
	if c.API.UnlockRateBurst <= 0 {
		c.API.UnlockRateBurst = def.API.UnlockRateBurst
	}
	if c.API.ShutdownTimeout <= 0 {
		c.API.ShutdownTimeout = def.API.ShutdownTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	return c
}

func readDuration(key string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func readFloat(key string) (float64, bool) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
