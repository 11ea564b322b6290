package signerstub

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// Listen 按 endpoint 前缀创建监听：unix://path、vsock://port，其余视为 TCP 地址。
// 与 signerclient 的拨号规则对应。
func Listen(endpoint string) (net.Listener, error) {
	switch {
	case strings.HasPrefix(endpoint, "unix://"):
		return listenUnix(strings.TrimPrefix(endpoint, "unix://"))
	case strings.HasPrefix(endpoint, "vsock://"):
		return listenVsock(strings.TrimPrefix(endpoint, "vsock://"))
	case endpoint == "":
		return nil, fmt.Errorf("listen endpoint is required")
	default:
		return net.Listen("tcp", endpoint)
	}
}

func listenUnix(path string) (net.Listener, error) {
	if path == "" {
		return nil, fmt.Errorf("invalid unix endpoint")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	return net.Listen("unix", path)
}

func listenVsock(target string) (net.Listener, error) {
	// 监听端总是本机 cid，允许写成 cid:port 与拨号端保持一致。
	if _, portPart, found := strings.Cut(target, ":"); found {
		target = portPart
	}
	port, err := strconv.ParseUint(target, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid vsock port: %w", err)
	}
	return vsock.Listen(uint32(port), nil)
}
