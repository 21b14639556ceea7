package rpcadmin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// StartAdminServers starts the gRPC server and HTTP+JSON admin surface,
// grounded on daemon/api/server/gateway.go's StartAPIServers: a grpc.Server
// with stubs registered if present, a grpc-gateway mux falling back to
// native handlers otherwise, and a JSON error translator for gateway errors.
func StartAdminServers(ctx context.Context, grpcAddr, restAddr string, impl *AdminServer) (grpcStop func(), restStop func(), err error) {
	grpcServer := grpc.NewServer()
	registerGRPC(grpcServer, impl)
	l, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return nil, nil, err
	}
	go func() { _ = grpcServer.Serve(l) }()
	grpcStop = func() { grpcServer.GracefulStop(); _ = l.Close() }

	mux := http.NewServeMux()
	gw := runtime.NewServeMux(runtime.WithErrorHandler(jsonErrorHandler))
	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if err := registerGateway(ctx, gw, grpcAddr, dialOpts); err == nil {
		mux.Handle("/", gw)
	} else {
		impl.RegisterHTTP(mux)
	}

	server := &http.Server{Addr: restAddr, Handler: mux}
	go func() { _ = server.ListenAndServe() }()
	restStop = func() { _ = server.Close() }
	return grpcStop, restStop, nil
}

func jsonErrorHandler(ctx context.Context, mux *runtime.ServeMux, marshaler runtime.Marshaler, w http.ResponseWriter, r *http.Request, err error) {
	st, ok := status.FromError(err)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":"INTERNAL","message":"internal error"}`))
		return
	}
	httpStatus := runtime.HTTPStatusFromCode(st.Code())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	b, _ := json.Marshal(jsonError{Code: codeToString(st.Code()), Message: st.Message()})
	_, _ = w.Write(b)
}

func codeToString(c codes.Code) string {
	switch c {
	case codes.InvalidArgument:
		return "INVALID_ARGUMENT"
	case codes.NotFound:
		return "NOT_FOUND"
	case codes.FailedPrecondition:
		return "FAILED_PRECONDITION"
	case codes.AlreadyExists:
		return "ALREADY_EXISTS"
	case codes.PermissionDenied:
		return "PERMISSION_DENIED"
	case codes.Unauthenticated:
		return "UNAUTHENTICATED"
	case codes.Unimplemented:
		return "UNIMPLEMENTED"
	case codes.Unavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
