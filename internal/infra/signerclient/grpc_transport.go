package signerclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	bridgeServiceName = "signer.v1.SignerBridge"
	exchangeMethod    = "/" + bridgeServiceName + "/Exchange"
	pollMethod        = "/" + bridgeServiceName + "/Poll"
)

// GRPCTransport 通过 SignerBridge 一元调用承载同样的 JSON 信封。
type GRPCTransport struct {
	conn  *grpc.ClientConn
	owned bool
}

// NewGRPCTransport 复用已有连接，Close 不会关闭它。
func NewGRPCTransport(conn *grpc.ClientConn) *GRPCTransport {
	return &GRPCTransport{conn: conn}
}

// DialGRPC 拨号 signer 端点（tcp、unix:// 或 vsock://cid:port）。
func DialGRPC(ctx context.Context, endpoint string, cfg GRPCConfig) (*GRPCTransport, error) {
	if endpoint == "" {
		return nil, errors.New("signer endpoint is required")
	}
	def := DefaultConfig().GRPC
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = def.ServiceName
	}
	params := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: true,
	}
	serviceConfig := fmt.Sprintf(`{"methodConfig":[{"name":[{"service":"%s"}],"waitForReady":false}]}`, cfg.ServiceName)
	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, "passthrough:///"+endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(params),
		grpc.WithDefaultServiceConfig(serviceConfig),
		grpc.WithContextDialer(dialEndpoint),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	return &GRPCTransport{conn: conn, owned: true}, nil
}

// Send 调用 Exchange。
func (t *GRPCTransport) Send(ctx context.Context, payload []byte) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := t.conn.Invoke(ctx, exchangeMethod, wrapperspb.Bytes(payload), out); err != nil {
		return nil, &TransportError{Op: "send", Err: err}
	}
	return out.GetValue(), nil
}

// Poll 调用 Poll。
func (t *GRPCTransport) Poll(ctx context.Context) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := t.conn.Invoke(ctx, pollMethod, &emptypb.Empty{}, out); err != nil {
		return nil, &TransportError{Op: "poll", Err: err}
	}
	return out.GetValue(), nil
}

// Close 关闭自行拨号的连接。
func (t *GRPCTransport) Close() error {
	if t == nil || !t.owned || t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// BridgeServer 是 SignerBridge 服务端需要实现的接口。
type BridgeServer interface {
	Exchange(ctx context.Context, payload []byte) ([]byte, error)
	Poll(ctx context.Context) ([]byte, error)
}

// RegisterBridgeServer 将 BridgeServer 注册到 gRPC server。
func RegisterBridgeServer(s grpc.ServiceRegistrar, srv BridgeServer) {
	s.RegisterService(&bridgeServiceDesc, srv)
}

var bridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: bridgeServiceName,
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exchange", Handler: exchangeHandler},
		{MethodName: "Poll", Handler: pollHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "signer/v1/bridge.proto",
}

func exchangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req interface{}) (interface{}, error) {
		out, err := srv.(BridgeServer).Exchange(ctx, req.(*wrapperspb.BytesValue).GetValue())
		if err != nil {
			return nil, err
		}
		return wrapperspb.Bytes(out), nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: exchangeMethod}
	return interceptor(ctx, in, info, handle)
}

func pollHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, _ interface{}) (interface{}, error) {
		out, err := srv.(BridgeServer).Poll(ctx)
		if err != nil {
			return nil, err
		}
		return wrapperspb.Bytes(out), nil
	}
	if interceptor == nil {
		return handle(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pollMethod}
	return interceptor(ctx, in, info, handle)
}

func dialEndpoint(ctx context.Context, endpoint string) (net.Conn, error) {
	switch {
	case strings.HasPrefix(endpoint, "unix://"):
		return (&net.Dialer{}).DialContext(ctx, "unix", strings.TrimPrefix(endpoint, "unix://"))
	case strings.HasPrefix(endpoint, "unix:"):
		return (&net.Dialer{}).DialContext(ctx, "unix", strings.TrimPrefix(endpoint, "unix:"))
	case strings.HasPrefix(endpoint, "vsock://"):
		return dialVsock(ctx, strings.TrimPrefix(endpoint, "vsock://"))
	case strings.HasPrefix(endpoint, "vsock:"):
		return dialVsock(ctx, strings.TrimPrefix(endpoint, "vsock:"))
	default:
		return (&net.Dialer{}).DialContext(ctx, "tcp", endpoint)
	}
}

func dialVsock(ctx context.Context, target string) (net.Conn, error) {
	cidPart, portPart, found := strings.Cut(target, ":")
	if !found {
		return nil, fmt.Errorf("invalid vsock endpoint: %s", target)
	}
	cid, err := strconv.ParseUint(cidPart, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid vsock cid: %w", err)
	}
	port, err := strconv.ParseUint(portPart, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid vsock port: %w", err)
	}
	type dialResult struct {
		conn net.Conn
		err  error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		conn, dialErr := vsock.Dial(uint32(cid), uint32(port), nil)
		resultCh <- dialResult{conn: conn, err: dialErr}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultCh; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.conn, res.err
	}
}
