package rpcadmin

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
)

// registerGRPC is a no-op until protobuf stubs for the admin service are
// generated; the HTTP surface in admin.go is the one actually exercised.
func registerGRPC(s *grpc.Server, impl *AdminServer) {}

// registerGateway always fails to trigger the native HTTP fallback, for the
// same reason as registerGRPC.
func registerGateway(ctx context.Context, mux *runtime.ServeMux, endpoint string, opts []grpc.DialOption) error {
	return fmt.Errorf("admin gateway not available: protobuf stubs not generated")
}
