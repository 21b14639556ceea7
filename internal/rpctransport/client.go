package rpctransport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"sync"

	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"github.com/quantarax/p2pshuffle/internal/commbuf"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
)

var errUnexpectedResponseType = errors.New("rpctransport: unexpected response message type")

// Client implements shuffle.PeerRPC over QUIC, dialing and caching one
// connection per destination worker. Grounded on
// daemon/transport/quic_connection.go's DialQUIC, with the single persistent
// control stream replaced by one stream per outbound RPC since each call is
// a discrete request/response rather than part of an ongoing transfer
// session.
type Client struct {
	tlsConfig *tls.Config

	mu       sync.Mutex
	conns    map[shuffletypes.WorkerAddress]*quic.Conn
	dialRate map[shuffletypes.WorkerAddress]*rate.Limiter
}

// NewClient builds a peer RPC client that dials with tlsConfig. Workers use
// quicutil.MakeClientTLSConfig here, which skips server certificate
// verification and presents no client certificate; each worker's Server
// uses its own self-signed certificate.
func NewClient(tlsConfig *tls.Config) *Client {
	return &Client{
		tlsConfig: tlsConfig,
		conns:     make(map[shuffletypes.WorkerAddress]*quic.Conn),
		dialRate:  make(map[shuffletypes.WorkerAddress]*rate.Limiter),
	}
}

// dialLimiter returns the per-peer dial rate limiter, creating one on first
// use. Grounded on bootstrap/main.go's getRateLimiter: a per-IP
// map[string]*rate.Limiter guards against reconnect storms against one peer,
// here scoped to redials of a single worker address rather than per-IP HTTP
// endpoints.
func (c *Client) dialLimiter(addr shuffletypes.WorkerAddress) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.dialRate[addr]
	if !ok {
		l = rate.NewLimiter(rate.Limit(5), 10) // 5 dials/sec, burst 10, per peer
		c.dialRate[addr] = l
	}
	return l
}

func (c *Client) dial(ctx context.Context, addr shuffletypes.WorkerAddress) (*quic.Conn, error) {
	c.mu.Lock()
	if conn, ok := c.conns[addr]; ok {
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	if err := c.dialLimiter(addr).Wait(ctx); err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, string(addr), c.tlsConfig, &quic.Config{
		KeepAlivePeriod:                10e9,
		MaxIdleTimeout:                 60e9,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.conns[addr]; ok {
		c.mu.Unlock()
		_ = conn.CloseWithError(0, "redundant dial")
		return existing, nil
	}
	c.conns[addr] = conn
	c.mu.Unlock()
	return conn, nil
}

// dropConn evicts a cached connection after a stream error, so the next call
// redials rather than repeatedly failing against a dead connection.
func (c *Client) dropConn(addr shuffletypes.WorkerAddress, conn *quic.Conn) {
	c.mu.Lock()
	if c.conns[addr] == conn {
		delete(c.conns, addr)
	}
	c.mu.Unlock()
}

func (c *Client) call(ctx context.Context, addr shuffletypes.WorkerAddress, mt messageType, req any) error {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.dropConn(addr, conn)
		return err
	}
	defer stream.Close()

	if err := writeFrame(stream, mt, req); err != nil {
		c.dropConn(addr, conn)
		return err
	}

	respType, data, err := readFrame(stream)
	if err != nil {
		c.dropConn(addr, conn)
		return err
	}
	if respType != msgResponse {
		return errUnexpectedResponseType
	}
	var env responseEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	return asError(env.Err, env.Kind)
}

// ShuffleReceive implements commbuf.PeerClient.
func (c *Client) ShuffleReceive(ctx context.Context, dest shuffletypes.WorkerAddress, shuffleID shuffletypes.ShuffleId, runID shuffletypes.RunId, data []commbuf.Payload) error {
	wire := make([]wirePayload, len(data))
	for i, p := range data {
		wire[i] = wirePayload{ProducerKey: p.ProducerID.Key(), Bytes: p.Bytes}
	}
	return c.call(ctx, dest, msgShuffleReceive, shuffleReceiveRequest{
		ShuffleID: shuffleID,
		RunID:     runID,
		Payloads:  wire,
	})
}

// ShuffleInputsDone implements shuffle.PeerRPC's extra method.
func (c *Client) ShuffleInputsDone(ctx context.Context, dest shuffletypes.WorkerAddress, shuffleID shuffletypes.ShuffleId, runID shuffletypes.RunId) error {
	return c.call(ctx, dest, msgShuffleInputsDone, shuffleInputsDoneRequest{
		ShuffleID: shuffleID,
		RunID:     runID,
	})
}

// ShuffleFail implements shuffle.PeerRPC's third method: spec section 7's
// "a StaleRun on one peer triggers a shuffle_fail broadcast so that every
// worker abandons the old run promptly."
func (c *Client) ShuffleFail(ctx context.Context, dest shuffletypes.WorkerAddress, shuffleID shuffletypes.ShuffleId, runID shuffletypes.RunId, message string) error {
	return c.call(ctx, dest, msgShuffleFail, shuffleFailRequest{
		ShuffleID: shuffleID,
		RunID:     runID,
		Message:   message,
	})
}

// Close tears down every cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, conn := range c.conns {
		_ = conn.CloseWithError(0, "client closed")
		delete(c.conns, addr)
	}
	return nil
}
