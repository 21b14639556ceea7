package rpctransport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quantarax/p2pshuffle/internal/commbuf"
	"github.com/quantarax/p2pshuffle/internal/observability"
	"github.com/quantarax/p2pshuffle/internal/ratelimit"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
)

// Router is the inbound half of a worker's peer RPC surface: the three
// calls internal/worker.Plugin routes to a shuffle.Run. Declared locally
// instead of imported from internal/worker so this package depends on
// worker's shape, not worker itself.
type Router interface {
	RouteReceive(ctx context.Context, id shuffletypes.ShuffleId, runID shuffletypes.RunId, data []commbuf.Payload) error
	RouteInputsDone(ctx context.Context, id shuffletypes.ShuffleId, runID shuffletypes.RunId) error
	RouteFail(id shuffletypes.ShuffleId, runID shuffletypes.RunId, message string)
}

// Server accepts QUIC connections from peer workers and dispatches each
// inbound stream to the Router. Grounded on daemon/transport/quic_connection.go's
// QUICListener, generalized from one control stream per connection to one
// stream per RPC call.
type Server struct {
	listener *quic.Listener
	router   Router
	log      *observability.Logger
	connTB   *ratelimit.TokenBucket
}

// SetConnectionRateLimit bounds how fast Serve accepts new connections,
// same rationale as daemon/main.go's accept-loop rate limiter: a burst of
// dialing peers shouldn't starve the ones already connected.
func (s *Server) SetConnectionRateLimit(ratePerSecond float64, burst int) {
	s.connTB = ratelimit.NewTokenBucket(ratePerSecond, burst)
}

// Listen starts a QUIC listener on addr and returns a Server ready to Serve.
func Listen(addr string, tlsConfig *tls.Config, router Router, log *observability.Logger) (*Server, error) {
	listener, err := quic.ListenAddr(addr, tlsConfig, &quic.Config{
		KeepAlivePeriod:                10e9,
		MaxIdleTimeout:                 60e9,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	})
	if err != nil {
		return nil, err
	}
	return &Server{listener: listener, router: router, log: log}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve accepts connections until ctx is canceled or the listener is closed.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if s.connTB != nil {
			for !s.connTB.Allow(1) {
				if ctx.Err() != nil {
					return nil
				}
				time.Sleep(5 * time.Millisecond)
			}
		}
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.serveConn(ctx, conn)
	}
}

// Close shuts down the listener; in-flight streams are abandoned.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) serveConn(ctx context.Context, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.serveStream(ctx, stream)
	}
}

func (s *Server) serveStream(ctx context.Context, stream *quic.Stream) {
	defer stream.Close()

	mt, data, err := readFrame(stream)
	if err != nil {
		return
	}

	var rpcErr error
	switch mt {
	case msgShuffleReceive:
		var req shuffleReceiveRequest
		if err := json.Unmarshal(data, &req); err != nil {
			rpcErr = err
			break
		}
		payloads := make([]commbuf.Payload, len(req.Payloads))
		for i, wp := range req.Payloads {
			payloads[i] = commbuf.Payload{
				ProducerID: shuffletypes.OpaqueId(wp.ProducerKey),
				Bytes:      wp.Bytes,
			}
		}
		rpcErr = s.router.RouteReceive(ctx, req.ShuffleID, req.RunID, payloads)
	case msgShuffleInputsDone:
		var req shuffleInputsDoneRequest
		if err := json.Unmarshal(data, &req); err != nil {
			rpcErr = err
			break
		}
		rpcErr = s.router.RouteInputsDone(ctx, req.ShuffleID, req.RunID)
	case msgShuffleFail:
		var req shuffleFailRequest
		if err := json.Unmarshal(data, &req); err != nil {
			rpcErr = err
			break
		}
		s.router.RouteFail(req.ShuffleID, req.RunID, req.Message)
	default:
		return
	}

	if rpcErr != nil && s.log != nil {
		s.log.Error(rpcErr, "rpctransport: inbound RPC failed")
	}
	_ = writeFrame(stream, msgResponse, responseEnvelope{Err: errString(rpcErr), Kind: errKind(rpcErr)})
}
