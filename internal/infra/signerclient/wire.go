package signerclient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// request 是发往 signer 的调用信封。
type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// response 是 signer 返回的单个应答，result 与 error 二选一。
type response struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError 表示 signer 返回的应用层错误。
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Method  string `json:"-"`
}

// Error 实现 error 接口。
func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = "unspecified error"
	}
	if e.Method != "" {
		return fmt.Sprintf("signer %s error %d: %s", e.Method, e.Code, msg)
	}
	return fmt.Sprintf("signer error %d: %s", e.Code, msg)
}

// UnmarshalJSON 同时接受 {code,message} 对象与纯字符串。
func (e *RPCError) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var msg string
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return err
		}
		e.Message = msg
		return nil
	}
	type plain RPCError
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*e = RPCError(p)
	return nil
}

var errMalformedBody = errors.New("malformed signer response body")

// decodeBody 解析单对象或数组形式的应答体，空体与 null 视为无应答。
func decodeBody(body []byte) ([]response, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false, nil
	}
	switch trimmed[0] {
	case '[':
		var batch []response
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, false, fmt.Errorf("%w: %v", errMalformedBody, err)
		}
		return batch, true, nil
	case '{':
		var single response
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, false, fmt.Errorf("%w: %v", errMalformedBody, err)
		}
		return []response{single}, false, nil
	default:
		return nil, false, errMalformedBody
	}
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		return data, nil
	}
}
