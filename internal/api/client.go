package walletapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-sign/walletlink/internal/app/session"
	"github.com/aegis-sign/walletlink/pkg/apierrors"
)

// SessionView 是 `/v1/session*` 接口返回的会话视图。
type SessionView struct {
	session.Snapshot
	InFlight    int    `json:"inFlight"`
	SignerError string `json:"signerError,omitempty"`
}

// NodeView 是 `/v1/nodes*` 接口返回的节点。
type NodeView = nodeResponseBody

// Client 是 walletd HTTP 接口的轻量客户端，供 walletctl 使用。
// 服务端错误以 *apierrors.Error 返回。
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient 构造客户端，httpClient 为空时使用带超时的默认客户端。
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Minute}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// Session 查询会话状态。
func (c *Client) Session(ctx context.Context) (SessionView, error) {
	var out SessionView
	err := c.do(ctx, http.MethodGet, "/v1/session", nil, &out)
	return out, err
}

// Unlock 解锁会话，relock<=0 时使用服务端默认时长。
func (c *Client) Unlock(ctx context.Context, passphrase string, relock time.Duration) (SessionView, error) {
	var out SessionView
	body := unlockRequestBody{Passphrase: passphrase, RelockSeconds: int(relock / time.Second)}
	err := c.do(ctx, http.MethodPost, "/v1/session/unlock", body, &out)
	return out, err
}

// Lock 立即上锁。
func (c *Client) Lock(ctx context.Context) (SessionView, error) {
	var out SessionView
	err := c.do(ctx, http.MethodPost, "/v1/session/lock", nil, &out)
	return out, err
}

// SetPassphrase 设置或更换口令。
func (c *Client) SetPassphrase(ctx context.Context, passphrase, confirm string) (SessionView, error) {
	var out SessionView
	body := passphraseRequestBody{Passphrase: passphrase, Confirm: &confirm}
	err := c.do(ctx, http.MethodPost, "/v1/session/passphrase", body, &out)
	return out, err
}

// ClearCredentials 上锁并删除 walletd 保存的凭据信封。
func (c *Client) ClearCredentials(ctx context.Context) (SessionView, error) {
	var out SessionView
	err := c.do(ctx, http.MethodDelete, "/v1/session/credentials", nil, &out)
	return out, err
}

// CreateNode 创建新节点。
func (c *Client) CreateNode(ctx context.Context) (NodeView, error) {
	var out NodeView
	err := c.do(ctx, http.MethodPost, "/v1/nodes", nil, &out)
	return out, err
}

// GetNode 由 seed 恢复节点。
func (c *Client) GetNode(ctx context.Context, seed string) (NodeView, error) {
	var out NodeView
	err := c.do(ctx, http.MethodPost, "/v1/nodes/get", getNodeRequestBody{Seed: seed}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("walletd %s: %w", path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("walletd %s: read response: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return decodeErrorResponse(resp, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("walletd %s: decode response: %w", path, err)
	}
	return nil
}

func decodeErrorResponse(resp *http.Response, data []byte) error {
	var body errorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return apierrors.New(apierrors.CodeInternal, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	apiErr := apierrors.New(apierrors.Code(body.Code), body.Message)
	hint := body.RetryAfterHint
	if hint == "" {
		hint = resp.Header.Get("Retry-After")
	}
	if seconds, err := strconv.Atoi(hint); err == nil && seconds > 0 {
		apiErr = apiErr.WithRetryAfter(time.Duration(seconds) * time.Second)
	}
	return apiErr
}
