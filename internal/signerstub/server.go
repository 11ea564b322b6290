package signerstub

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/aegis-sign/walletlink/pkg/apierrors"
)

const maxRequestBytes = 1 << 20

// Server 以轮询协议暴露 Signer：请求立即执行，应答进入发件箱，
// 在本次或之后的请求（含无负载轮询）中以数组形式返回。
type Server struct {
	signer *Signer
	logger *slog.Logger
	// deferred 为 true 时 POST 只返回空数组，应答留待下一次轮询。
	deferred bool

	mu     sync.Mutex
	outbox []Response
}

// ServerOption 自定义 Server。
type ServerOption func(*Server)

// WithDeferredResponses 让应答只在后续轮询时返回。
func WithDeferredResponses() ServerOption {
	return func(s *Server) { s.deferred = true }
}

// WithServerLogger 注入 logger。
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 Server。
func NewServer(signer *Signer, opts ...ServerOption) *Server {
	s := &Server{signer: signer, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Exchange 处理一个调用信封（单对象或数组），返回当前可发送的应答。
func (s *Server) Exchange(_ context.Context, payload []byte) ([]byte, error) {
	requests, err := decodeRequests(payload)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range requests {
		s.outbox = append(s.outbox, s.signer.Handle(req))
	}
	if s.deferred {
		return []byte("[]"), nil
	}
	return s.drainLocked()
}

// Poll 返回发件箱中的全部应答。
func (s *Server) Poll(context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainLocked()
}

func (s *Server) drainLocked() ([]byte, error) {
	out := s.outbox
	s.outbox = nil
	if out == nil {
		out = []Response{}
	}
	return json.Marshal(out)
}

// ServeHTTP 实现轮询 HTTP 协议：POST 携带信封，GET 仅轮询。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var (
		body []byte
		err  error
	)
	switch r.Method {
	case http.MethodPost:
		payload, readErr := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if readErr != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		body, err = s.Exchange(r.Context(), payload)
	case http.MethodGet:
		body, err = s.Poll(r.Context())
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		s.logger.Warn("rejecting malformed signer request", slog.Any("err", err))
		status := http.StatusBadRequest
		if apiErr, ok := apierrors.FromError(err); ok {
			status = apierrors.HTTPStatus(apiErr.Code)
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func decodeRequests(payload []byte) ([]Request, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var batch []Request
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, "malformed request batch", err)
		}
		return batch, nil
	}
	var single Request
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeInvalidArgument, "malformed request", err)
	}
	return []Request{single}, nil
}
