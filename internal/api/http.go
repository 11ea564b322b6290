package walletapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aegis-sign/walletlink/internal/app/nodes"
	"github.com/aegis-sign/walletlink/internal/app/session"
	"github.com/aegis-sign/walletlink/internal/infra/signerclient"
	"github.com/aegis-sign/walletlink/pkg/apierrors"
	"github.com/aegis-sign/walletlink/pkg/validator"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxBodyBytes          = 64 << 10
	signerRetryAfter      = time.Second
)

// SessionService 是 HTTP 层依赖的会话操作集合，由 session.Guard 实现。
type SessionService interface {
	Snapshot() session.Snapshot
	Unlock(ctx context.Context, passphrase string, relock time.Duration) error
	Lock(ctx context.Context) error
	SetPassphrase(ctx context.Context, passphrase string) error
	Clear(ctx context.Context) error
}

// NodeService 是 HTTP 层依赖的节点操作集合，由 nodes.Service 实现。
type NodeService interface {
	Create(ctx context.Context) (nodes.Node, error)
	Get(ctx context.Context, seed string) (nodes.Node, error)
}

// CallStats 报告 signer 客户端尚未应答的调用数，由 signerclient.Client 实现。
type CallStats interface {
	InFlight() int
}

// Config 描述 HTTPHandler 的依赖。
type Config struct {
	Session        SessionService
	Nodes          NodeService
	Calls          CallStats
	Throttle       *UnlockThrottle
	RPCDebug       http.Handler
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *Metrics
}

// HTTPHandler 实现 walletd 的 `/v1/session*` `/v1/nodes*` HTTP/JSON 接口。
type HTTPHandler struct {
	session  SessionService
	nodes    NodeService
	calls    CallStats
	throttle *UnlockThrottle
	rpcDebug http.Handler
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *Metrics
}

// NewHTTPHandler 构造 HTTP handler。
func NewHTTPHandler(cfg Config) *HTTPHandler {
	if cfg.Session == nil {
		panic("session service is required")
	}
	if cfg.Nodes == nil {
		panic("node service is required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPHandler{
		session:  cfg.Session,
		nodes:    cfg.Nodes,
		calls:    cfg.Calls,
		throttle: cfg.Throttle,
		rpcDebug: cfg.RPCDebug,
		timeout:  cfg.RequestTimeout,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Register 将 handler 注册到 mux。
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/session", h.handleSession)
	mux.HandleFunc("/v1/session/unlock", h.handleUnlock)
	mux.HandleFunc("/v1/session/lock", h.handleLock)
	mux.HandleFunc("/v1/session/passphrase", h.handlePassphrase)
	mux.HandleFunc("/v1/session/credentials", h.handleClearCredentials)
	mux.HandleFunc("/v1/nodes", h.handleCreateNode)
	mux.HandleFunc("/v1/nodes/get", h.handleGetNode)
	if h.rpcDebug != nil {
		mux.Handle("/debug/rpc", h.rpcDebug)
	}
}

type unlockRequestBody struct {
	Passphrase    string `json:"passphrase"`
	RelockSeconds int    `json:"relockSeconds"`
}

type passphraseRequestBody struct {
	Passphrase string  `json:"passphrase"`
	Confirm    *string `json:"confirm"`
}

type getNodeRequestBody struct {
	Seed string `json:"seed"`
}

type nodeResponseBody struct {
	ExtPrv      string `json:"extPrv"`
	ExtPub      string `json:"extPub"`
	Fingerprint string `json:"fingerprint"`
}

type errorResponse struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	RetryAfterHint string `json:"retryAfterHint,omitempty"`
}

func (h *HTTPHandler) handleSession(w http.ResponseWriter, r *http.Request) {
	const route = "session"
	if r.Method != http.MethodGet {
		h.writeAPIError(w, route, apierrors.New(apierrors.CodeInvalidArgument, "GET required"))
		return
	}
	h.writeJSON(w, route, http.StatusOK, h.sessionView())
}

func (h *HTTPHandler) handleUnlock(w http.ResponseWriter, r *http.Request) {
	const route = "unlock"
	if r.Method != http.MethodPost {
		h.writeAPIError(w, route, apierrors.New(apierrors.CodeInvalidArgument, "POST required"))
		return
	}
	if err := h.throttle.Allow(); err != nil {
		h.metrics.incThrottled()
		h.writeUnknownError(w, route, err)
		return
	}
	var body unlockRequestBody
	if err := decodeBody(r, &body, true); err != nil {
		h.writeAPIError(w, route, err)
		return
	}
	if body.Passphrase == "" {
		h.writeAPIError(w, route, apierrors.New(apierrors.CodeInvalidArgument, "passphrase is required"))
		return
	}
	if body.RelockSeconds < 0 {
		h.writeAPIError(w, route, apierrors.New(apierrors.CodeInvalidArgument, "relockSeconds must not be negative"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.session.Unlock(ctx, body.Passphrase, time.Duration(body.RelockSeconds)*time.Second); err != nil {
		h.writeUnknownError(w, route, err)
		return
	}
	h.writeJSON(w, route, http.StatusOK, h.sessionView())
}

func (h *HTTPHandler) handleLock(w http.ResponseWriter, r *http.Request) {
	const route = "lock"
	if r.Method != http.MethodPost {
		h.writeAPIError(w, route, apierrors.New(apierrors.CodeInvalidArgument, "POST required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	// 本地状态已切换为 Locked，signer 未确认只作为提示返回。
	lockErr := h.session.Lock(ctx)
	view := h.sessionView()
	if lockErr != nil {
		h.logger.Warn("lock not acknowledged by signer", slog.Any("err", lockErr))
		view.SignerError = toAPIError(lockErr).Error()
	}
	h.writeJSON(w, route, http.StatusOK, view)
}

func (h *HTTPHandler) handlePassphrase(w http.ResponseWriter, r *http.Request) {
	const route = "passphrase"
	if r.Method != http.MethodPost {
		h.writeAPIError(w, route, apierrors.New(apierrors.CodeInvalidArgument, "POST required"))
		return
	}
	var body passphraseRequestBody
	if err := decodeBody(r, &body, true); err != nil {
		h.writeAPIError(w, route, err)
		return
	}
	if err := validator.ValidatePassphrase(body.Passphrase, body.Confirm); err != nil {
		h.writeAPIError(w, route, apierrors.New(apierrors.CodeInvalidArgument, err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.session.SetPassphrase(ctx, body.Passphrase); err != nil {
		h.writeUnknownError(w, route, err)
		return
	}
	h.writeJSON(w, route, http.StatusOK, h.sessionView())
}

func (h *HTTPHandler) handleClearCredentials(w http.ResponseWriter, r *http.Request) {
	const route = "clear_credentials"
	if r.Method != http.MethodDelete {
		h.writeAPIError(w, route, apierrors.New(apierrors.CodeInvalidArgument, "DELETE required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.session.Clear(ctx); err != nil {
		h.writeUnknownError(w, route, err)
		return
	}
	h.writeJSON(w, route, http.StatusOK, h.sessionView())
}

func (h *HTTPHandler) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	const route = "create_node"
	if r.Method != http.MethodPost {
		h.writeAPIError(w, route, apierrors.New(apierrors.CodeInvalidArgument, "POST required"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	node, err := h.nodes.Create(ctx)
	if err != nil {
		h.writeUnknownError(w, route, err)
		return
	}
	h.writeJSON(w, route, http.StatusOK, toNodeResponse(node))
}

func (h *HTTPHandler) handleGetNode(w http.ResponseWriter, r *http.Request) {
	const route = "get_node"
	if r.Method != http.MethodPost {
		h.writeAPIError(w, route, apierrors.New(apierrors.CodeInvalidArgument, "POST required"))
		return
	}
	var body getNodeRequestBody
	if err := decodeBody(r, &body, true); err != nil {
		h.writeAPIError(w, route, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	node, err := h.nodes.Get(ctx, body.Seed)
	if err != nil {
		h.writeUnknownError(w, route, err)
		return
	}
	h.writeJSON(w, route, http.StatusOK, toNodeResponse(node))
}

func (h *HTTPHandler) sessionView() SessionView {
	view := SessionView{Snapshot: h.session.Snapshot()}
	if h.calls != nil {
		view.InFlight = h.calls.InFlight()
	}
	return view
}

func toNodeResponse(node nodes.Node) nodeResponseBody {
	return nodeResponseBody{
		ExtPrv:      node.ExtPrvB58,
		ExtPub:      node.ExtPubB58,
		Fingerprint: node.Fingerprint,
	}
}

func decodeBody(r *http.Request, out any, required bool) *apierrors.Error {
	if r.Body == nil || r.Body == http.NoBody {
		if required {
			return apierrors.New(apierrors.CodeInvalidArgument, "JSON body is required")
		}
		return nil
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		if errors.Is(err, io.EOF) && !required {
			return nil
		}
		return apierrors.New(apierrors.CodeInvalidArgument, "invalid JSON body")
	}
	return nil
}

// toAPIError 将会话、节点与 signer 客户端返回的错误映射为统一业务错误。
func toAPIError(err error) *apierrors.Error {
	if apiErr, ok := apierrors.FromError(err); ok {
		return apiErr
	}
	var rpcErr *signerclient.RPCError
	if errors.As(err, &rpcErr) {
		return apierrors.Wrap(apierrors.CodeSignerError, rpcErr.Error(), err)
	}
	var transportErr *signerclient.TransportError
	switch {
	case errors.As(err, &transportErr),
		errors.Is(err, signerclient.ErrCallExpired),
		errors.Is(err, signerclient.ErrClosed):
		return apierrors.Wrap(apierrors.CodeSignerError, "signer unavailable", err).WithRetryAfter(signerRetryAfter)
	case errors.Is(err, context.DeadlineExceeded):
		return apierrors.Wrap(apierrors.CodeTimeout, "signer did not answer in time", err)
	}
	return apierrors.Wrap(apierrors.CodeInternal, "internal error", err)
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, route string, status int, payload any) {
	h.metrics.observeRequest(route, status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *HTTPHandler) writeUnknownError(w http.ResponseWriter, route string, err error) {
	apiErr := toAPIError(err)
	if apiErr.Code == apierrors.CodeInternal {
		h.logger.Error("request failed", slog.String("route", route), slog.Any("err", err))
		apiErr = apierrors.New(apierrors.CodeInternal, "internal error")
	}
	h.writeAPIError(w, route, apiErr)
}

func (h *HTTPHandler) writeAPIError(w http.ResponseWriter, route string, apiErr *apierrors.Error) {
	if apiErr == nil {
		apiErr = apierrors.New(apierrors.CodeInternal, "internal error")
	}
	status := apierrors.HTTPStatus(apiErr.Code)
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if apierrors.RequiresRetryAfter(apiErr.Code) {
		if hint := apiErr.RetryAfterHint(); hint != "" {
			w.Header().Set("Retry-After", hint)
		}
	}
	resp := errorResponse{
		Code:    string(apiErr.Code),
		Message: apiErr.Error(),
	}
	if hint := apiErr.RetryAfterHint(); hint != "" {
		resp.RetryAfterHint = hint
	}
	h.writeJSON(w, route, status, resp)
}
