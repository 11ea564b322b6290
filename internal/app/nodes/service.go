package nodes

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/aegis-sign/walletlink/internal/app/session"
	"github.com/aegis-sign/walletlink/pkg/apierrors"
)

const (
	MethodCreateNode = "create-node"
	MethodGetNode    = "get-node"
)

// Node 是 signer 返回的扩展密钥节点。
type Node struct {
	ExtPrvB58   string `json:"ext_prv_b58"`
	ExtPubB58   string `json:"ext_pub_b58"`
	Fingerprint string `json:"fingerprint"`
}

// Gate 报告会话是否允许访问私钥。
type Gate interface {
	RequireUnlocked() error
}

// Service 通过与会话共享的调用通道创建或恢复节点。
type Service struct {
	caller session.Caller
	gate   Gate
	logger *slog.Logger
}

// NewService 构造 Service，logger 为空时使用默认 logger。
func NewService(caller session.Caller, gate Gate, logger *slog.Logger) (*Service, error) {
	if caller == nil {
		return nil, errors.New("signer caller is required")
	}
	if gate == nil {
		return nil, errors.New("session gate is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{caller: caller, gate: gate, logger: logger}, nil
}

// Create 让 signer 生成新的主节点，需要已解锁的会话。
func (s *Service) Create(ctx context.Context) (Node, error) {
	if err := s.gate.RequireUnlocked(); err != nil {
		return Node{}, err
	}
	var node Node
	if err := s.caller.Call(ctx, MethodCreateNode, struct{}{}, &node); err != nil {
		return Node{}, err
	}
	s.logger.Info("node created", slog.String("fingerprint", node.Fingerprint))
	return node, nil
}

// Get 从十六进制种子恢复节点。
func (s *Service) Get(ctx context.Context, seed string) (Node, error) {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return Node{}, apierrors.New(apierrors.CodeInvalidArgument, "seed is required")
	}
	var node Node
	if err := s.caller.Call(ctx, MethodGetNode, map[string]string{"seed": seed}, &node); err != nil {
		return Node{}, err
	}
	return node, nil
}
