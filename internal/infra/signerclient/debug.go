package signerclient

import (
	"encoding/json"
	"net/http"
)

// DebugHandler 返回 /debug/rpc 所需的 handler。
func (c *Client) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Snapshot())
	})
}
