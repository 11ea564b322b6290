package signerclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// Transport 对单个 signer 端点执行一次请求/应答交换。
type Transport interface {
	// Send 携带一个调用信封发送请求。
	Send(ctx context.Context, payload []byte) ([]byte, error)
	// Poll 不携带负载，用于拉取服务端排队的应答。
	Poll(ctx context.Context) ([]byte, error)
}

// TransportError 表示传输层失败（网络、超时或非 2xx 状态）。
type TransportError struct {
	Op     string
	Status int
	Err    error
}

// Error 实现 error 接口。
func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	if e.Status != 0 {
		return fmt.Sprintf("signer transport %s: unexpected status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("signer transport %s: %v", e.Op, e.Err)
}

// Unwrap 暴露底层错误。
func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

const maxResponseBytes = 4 << 20

// ErrResponseTooLarge 表示 signer 应答超过 maxResponseBytes，应答被丢弃而非截断。
var ErrResponseTooLarge = errors.New("signer response exceeds size limit")

// HTTPTransport 以 POST（带负载）/GET（轮询）访问单个 URL。
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

// HTTPTransportOption 自定义 HTTPTransport。
type HTTPTransportOption func(*HTTPTransport)

// WithHTTPClient 替换底层 http.Client。
func WithHTTPClient(c *http.Client) HTTPTransportOption {
	return func(t *HTTPTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// NewHTTPTransport 构造 HTTP 传输，默认启用 cookie jar 以保持 signer 会话。
func NewHTTPTransport(endpoint string, timeout time.Duration, opts ...HTTPTransportOption) (*HTTPTransport, error) {
	if endpoint == "" {
		return nil, errors.New("signer endpoint is required")
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	t := &HTTPTransport{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout, Jar: jar},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Send 以 POST 发送 JSON 调用信封。
func (t *HTTPTransport) Send(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Op: "send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return t.do(req, "send")
}

// Poll 以 GET 拉取排队的应答。
func (t *HTTPTransport) Poll(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint, nil)
	if err != nil {
		return nil, &TransportError{Op: "poll", Err: err}
	}
	return t.do(req, "poll")
}

func (t *HTTPTransport) do(req *http.Request, op string) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	if len(body) > maxResponseBytes {
		return nil, &TransportError{Op: op, Err: ErrResponseTooLarge}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{Op: op, Status: resp.StatusCode}
	}
	return body, nil
}
