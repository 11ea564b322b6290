package signerclient

import (
	"os"
	"strconv"
	"time"
)

// Config 控制调度循环、退避与传输行为。
type Config struct {
	Endpoint        string
	Transport       string
	RequestTimeout  time.Duration
	PendingTTL      time.Duration
	MaxSendAttempts int
	Backoff         BackoffConfig
	GRPC            GRPCConfig
}

// BackoffConfig 决定传输失败后的指数退避参数。
type BackoffConfig struct {
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
}

// GRPCConfig 仅在 Transport=grpc 时生效。
type GRPCConfig struct {
	DialTimeout      time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	ServiceName      string
}

const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// DefaultConfig 返回与 signer 轮询协议匹配的默认值。
func DefaultConfig() Config {
	return Config{
		Endpoint:       "http://127.0.0.1:8700/",
		Transport:      TransportHTTP,
		RequestTimeout: 10 * time.Second,
		PendingTTL:     2 * time.Minute,
		Backoff: BackoffConfig{
			Min:        500 * time.Millisecond,
			Max:        16 * time.Second,
			Multiplier: 2,
		},
		GRPC: GRPCConfig{
			DialTimeout:      2 * time.Second,
			KeepaliveTime:    30 * time.Second,
			KeepaliveTimeout: 10 * time.Second,
			ServiceName:      bridgeServiceName,
		},
	}
}

// LoadConfigFromEnv 解析环境变量覆盖默认值。
func LoadConfigFromEnv() Config {
	return ApplyEnv(DefaultConfig())
}

// ApplyEnv 在已有配置上叠加 SIGNER_CLIENT_* 环境变量。
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("SIGNER_CLIENT_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("SIGNER_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if d := readDuration("SIGNER_CLIENT_REQUEST_TIMEOUT"); d > 0 {
		cfg.RequestTimeout = d
	}
	if d := readDuration("SIGNER_CLIENT_PENDING_TTL"); d > 0 {
		cfg.PendingTTL = d
	}
	if v := readInt("SIGNER_CLIENT_MAX_SEND_ATTEMPTS"); v > 0 {
		cfg.MaxSendAttempts = v
	}
	if d := readDuration("SIGNER_CLIENT_BACKOFF_MIN"); d > 0 {
		cfg.Backoff.Min = d
	}
	if d := readDuration("SIGNER_CLIENT_BACKOFF_MAX"); d > 0 {
		cfg.Backoff.Max = d
	}
	if m := readFloat("SIGNER_CLIENT_BACKOFF_MULTIPLIER"); m >= 1 {
		cfg.Backoff.Multiplier = m
	}
	if d := readDuration("SIGNER_CLIENT_GRPC_DIAL_TIMEOUT"); d > 0 {
		cfg.GRPC.DialTimeout = d
	}
	return cfg
}

func (c Config) normalize() Config {
	cfg := c
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.MaxSendAttempts < 0 {
		cfg.MaxSendAttempts = 0
	}
	cfg.Backoff = cfg.Backoff.normalize()
	if cfg.GRPC.DialTimeout <= 0 {
		cfg.GRPC.DialTimeout = def.GRPC.DialTimeout
	}
	if cfg.GRPC.KeepaliveTime <= 0 {
		cfg.GRPC.KeepaliveTime = def.GRPC.KeepaliveTime
	}
	if cfg.GRPC.KeepaliveTimeout <= 0 {
		cfg.GRPC.KeepaliveTimeout = def.GRPC.KeepaliveTimeout
	}
	if cfg.GRPC.ServiceName == "" {
		cfg.GRPC.ServiceName = def.GRPC.ServiceName
	}
	return cfg
}

func (b BackoffConfig) normalize() BackoffConfig {
	if b.Min <= 0 {
		b.Min = 500 * time.Millisecond
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	return b
}

func readInt(key string) int {
	value := os.Getenv(key)
	if value == "" {
		return 0
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return v
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

func readFloat(key string) float64 {
	value := os.Getenv(key)
	if value == "" {
		return -1
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return -1
	}
	return v
}
