package walletapi

import (
	"context"
	"log/slog"

	"github.com/aegis-sign/walletlink/pkg/apierrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// UnaryErrorInterceptor 将 handler 返回的业务错误转换为 gRPC status，
// 已是 status 的错误原样透传，其余错误统一为 Internal。
func UnaryErrorInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err == nil {
			return resp, nil
		}
		mapped := grpcError(err)
		if status.Code(mapped) == codes.Internal {
			logger.Error("grpc handler failed", slog.String("method", info.FullMethod), slog.Any("err", err))
		}
		return nil, mapped
	}
}

func grpcError(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if apiErr, ok := apierrors.FromError(err); ok {
		return status.Error(apierrors.GRPCStatus(apiErr.Code), apiErr.Error())
	}
	return status.Error(codes.Internal, "internal error")
}
