package server

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AuthTokenHeader is the metadata key carrying the shared-secret token
// when a deployment enables token auth.
const AuthTokenHeader = "weft-auth-token"

// ValidateToken performs constant-time comparison of authentication tokens.
// This prevents timing attacks by comparing all bytes regardless of match status.
func ValidateToken(providedToken, storedToken string) error {
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(storedToken)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid authentication token")
	}
	return nil
}

func checkAuth(ctx context.Context, token string) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get(AuthTokenHeader)
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing authentication token")
	}
	return ValidateToken(values[0], token)
}

// authUnaryInterceptor enforces the shared token on unary RPCs.
func authUnaryInterceptor(token string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if err := checkAuth(ctx, token); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// authStreamInterceptor enforces the shared token on streaming RPCs.
func authStreamInterceptor(token string) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkAuth(ss.Context(), token); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}
