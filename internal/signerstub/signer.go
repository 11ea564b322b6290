package signerstub

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/aegis-sign/walletlink/pkg/validator"
)

// signer 返回的错误码。
const (
	ErrorMissingParam           = -1
	ErrorInvalidParam           = -2
	ErrorCredentialsUnavailable = -3
	ErrorUnknownMethod          = -4
)

// Request 是一个调用信封。
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response 是一个应答信封，Result 与 Error 二选一。
type Response struct {
	ID     uint64 `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error 是应用层错误。
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type handlerFunc func(params json.RawMessage) (any, *Error)

// Signer 在进程内实现 signer 调用协议，保存凭据并在解锁时持有临时密钥。
type Signer struct {
	params ScryptParams
	logger *slog.Logger

	mu        sync.Mutex
	creds     credentials
	ephemeral []byte
	handlers  map[string]handlerFunc
}

// SignerOption 自定义 Signer。
type SignerOption func(*Signer)

// WithScryptParams 覆盖口令派生参数，测试中使用较小的 N。
func WithScryptParams(p ScryptParams) SignerOption {
	return func(s *Signer) {
		if p.N > 1 && p.R > 0 && p.P > 0 {
			s.params = p
		}
	}
}

// WithLogger 注入 logger。
func WithLogger(l *slog.Logger) SignerOption {
	return func(s *Signer) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSigner 构造处于锁定、未设置口令状态的 Signer。
func NewSigner(opts ...SignerOption) *Signer {
	s := &Signer{params: DefaultScryptParams(), logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.handlers = map[string]handlerFunc{
		"set-credentials": s.handleSetCredentials,
		"set-passphrase":  s.handleSetPassphrase,
		"unlock":          s.handleUnlock,
		"lock":            s.handleLock,
		"create-node":     s.handleCreateNode,
		"get-node":        s.handleGetNode,
	}
	return s
}

// Handle 执行单个调用并构造应答。
func (s *Signer) Handle(req Request) Response {
	handler, ok := s.handlers[req.Method]
	if !ok {
		return Response{ID: req.ID, Error: &Error{Code: ErrorUnknownMethod, Message: "unknown method " + req.Method}}
	}
	result, rpcErr := handler(req.Params)
	if rpcErr != nil {
		s.logger.Debug("signer call failed", slog.Uint64("id", req.ID), slog.String("method", req.Method), slog.Int("code", rpcErr.Code))
		return Response{ID: req.ID, Error: rpcErr}
	}
	return Response{ID: req.ID, Result: result}
}

// Locked 报告是否未持有临时密钥。
func (s *Signer) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ephemeral == nil
}

func decodeParams(raw json.RawMessage, out any) *Error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Code: ErrorInvalidParam, Message: "malformed params"}
	}
	return nil
}

func (s *Signer) handleSetCredentials(raw json.RawMessage) (any, *Error) {
	var p struct {
		Check   string `json:"check"`
		EKeyEnc string `json:"ekey_enc"`
		Salt    string `json:"salt"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if validator.ValidateCredentials(p.Check, p.Salt, p.EKeyEnc) != nil {
		return nil, &Error{Code: ErrorMissingParam, Message: "missing valid salt/check/ekey_enc params"}
	}
	check, _ := hex.DecodeString(strings.TrimSpace(p.Check))
	salt, _ := hex.DecodeString(strings.TrimSpace(p.Salt))
	ekeyEnc, _ := hex.DecodeString(strings.TrimSpace(p.EKeyEnc))

	s.mu.Lock()
	s.creds = credentials{salt: salt, check: check, ekeyEnc: ekeyEnc}
	s.ephemeral = nil
	s.mu.Unlock()
	return map[string]bool{"success": true}, nil
}

func (s *Signer) handleSetPassphrase(raw json.RawMessage) (any, *Error) {
	var p struct {
		NewPassphrase string `json:"new_passphrase"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.NewPassphrase == "" {
		return nil, &Error{Code: ErrorInvalidParam, Message: "set-passphrase failed"}
	}
	creds, ephemeral, err := newCredentials(p.NewPassphrase, s.params)
	if err != nil {
		s.logger.Error("generate credentials failed", slog.Any("err", err))
		return nil, &Error{Code: ErrorInvalidParam, Message: "set-passphrase failed"}
	}
	s.mu.Lock()
	s.creds = creds
	s.ephemeral = ephemeral
	s.mu.Unlock()
	return map[string]string{
		"check":    hex.EncodeToString(creds.check),
		"ekey_enc": hex.EncodeToString(creds.ekeyEnc),
		"salt":     hex.EncodeToString(creds.salt),
	}, nil
}

func (s *Signer) handleUnlock(raw json.RawMessage) (any, *Error) {
	var p struct {
		Passphrase string `json:"passphrase"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Passphrase == "" {
		return nil, &Error{Code: ErrorMissingParam, Message: "missing valid passphrase param"}
	}
	s.mu.Lock()
	creds := s.creds
	s.mu.Unlock()
	if !creds.loaded() {
		return map[string]bool{"success": false}, nil
	}
	ephemeral, err := unlockCredentials(creds, p.Passphrase, s.params)
	if err != nil {
		return map[string]bool{"success": false}, nil
	}
	s.mu.Lock()
	s.ephemeral = ephemeral
	s.mu.Unlock()
	return map[string]bool{"success": true}, nil
}

func (s *Signer) handleLock(json.RawMessage) (any, *Error) {
	s.mu.Lock()
	for i := range s.ephemeral {
		s.ephemeral[i] = 0
	}
	s.ephemeral = nil
	s.mu.Unlock()
	return map[string]bool{"success": true}, nil
}

func (s *Signer) handleCreateNode(json.RawMessage) (any, *Error) {
	if s.Locked() {
		return nil, &Error{Code: ErrorCredentialsUnavailable, Message: "wallet is locked"}
	}
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, &Error{Code: ErrorInvalidParam, Message: "Master node generation failed"}
	}
	node, err := masterNode(seed)
	if err != nil {
		return nil, &Error{Code: ErrorInvalidParam, Message: "Master node generation failed"}
	}
	return node, nil
}

func (s *Signer) handleGetNode(raw json.RawMessage) (any, *Error) {
	var p struct {
		Seed string `json:"seed"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Seed == "" {
		return nil, &Error{Code: ErrorMissingParam, Message: "missing seed param"}
	}
	seed, err := hex.DecodeString(p.Seed)
	if err != nil {
		return nil, &Error{Code: ErrorInvalidParam, Message: "seed must be hex"}
	}
	node, err := masterNode(seed)
	if err != nil {
		return nil, &Error{Code: ErrorInvalidParam, Message: "Master node derivation failed"}
	}
	return node, nil
}
