package signerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCallPending 表示调用尚未得到应答。
var ErrCallPending = errors.New("signer call still pending")

// Call 是一次已入队调用的句柄，结果只会被写入一次。
type Call struct {
	ID     uint64
	Method string
	Params json.RawMessage

	createdAt time.Time
	attempts  int

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func newCall(id uint64, method string, params json.RawMessage, now time.Time) *Call {
	return &Call{
		ID:        id,
		Method:    method,
		Params:    params,
		createdAt: now,
		done:      make(chan struct{}),
	}
}

// Done 在调用完成（成功、失败、过期或关闭）后关闭。
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result 非阻塞地返回结果，未完成时返回 ErrCallPending。
func (c *Call) Result() (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	default:
		return nil, ErrCallPending
	}
}

// Wait 阻塞直到调用完成或 ctx 结束。ctx 结束只放弃等待，不会撤回调用。
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Decode 等待结果并解码到 out，out 为 nil 时仅返回错误。
func (c *Call) Decode(ctx context.Context, out any) error {
	result, err := c.Wait(ctx)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", c.Method, err)
	}
	return nil
}

func (c *Call) complete(result json.RawMessage, err error) bool {
	fired := false
	c.once.Do(func() {
		c.result = result
		c.err = err
		close(c.done)
		fired = true
	})
	return fired
}

func (c *Call) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Call) encode() ([]byte, error) {
	return json.Marshal(request{ID: c.ID, Method: c.Method, Params: c.Params})
}
