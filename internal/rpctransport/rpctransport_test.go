package rpctransport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quantarax/p2pshuffle/internal/commbuf"
	"github.com/quantarax/p2pshuffle/internal/quicutil"
	"github.com/quantarax/p2pshuffle/internal/shuffleerr"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
)

type fakeRouter struct {
	mu           sync.Mutex
	received     []commbuf.Payload
	doneRuns     []shuffletypes.RunId
	failNext     bool
	staleRunNext bool
	failedIDs    []shuffletypes.ShuffleId
}

func (f *fakeRouter) RouteReceive(_ context.Context, _ shuffletypes.ShuffleId, _ shuffletypes.RunId, data []commbuf.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		if f.staleRunNext {
			f.staleRunNext = false
			return shuffleerr.New(shuffleerr.KindStaleRun, "induced stale run")
		}
		return errors.New("induced failure")
	}
	f.received = append(f.received, data...)
	return nil
}

func (f *fakeRouter) RouteInputsDone(_ context.Context, _ shuffletypes.ShuffleId, runID shuffletypes.RunId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doneRuns = append(f.doneRuns, runID)
	return nil
}

func (f *fakeRouter) RouteFail(id shuffletypes.ShuffleId, _ shuffletypes.RunId, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedIDs = append(f.failedIDs, id)
}

func startTestServer(t *testing.T, router Router) *Server {
	t.Helper()
	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	serverTLS, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("MakeTLSConfig: %v", err)
	}
	srv, err := Listen("127.0.0.1:0", serverTLS, router, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	go srv.Serve(ctx)
	return srv
}

func TestShuffleReceiveRoundTrip(t *testing.T) {
	router := &fakeRouter{}
	srv := startTestServer(t, router)

	client := NewClient(quicutil.MakeClientTLSConfig())
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payloads := []commbuf.Payload{
		{ProducerID: shuffletypes.TablePartitionId(0), Bytes: []byte{1, 2, 3}},
	}
	if err := client.ShuffleReceive(ctx, shuffletypes.WorkerAddress(srv.Addr()), "s1", 1, payloads); err != nil {
		t.Fatalf("ShuffleReceive: %v", err)
	}

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.received) != 1 || router.received[0].ProducerID.Key() != "0" {
		t.Fatalf("router did not see expected payload: %+v", router.received)
	}
}

func TestShuffleInputsDoneRoundTrip(t *testing.T) {
	router := &fakeRouter{}
	srv := startTestServer(t, router)

	client := NewClient(quicutil.MakeClientTLSConfig())
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.ShuffleInputsDone(ctx, shuffletypes.WorkerAddress(srv.Addr()), "s1", 7); err != nil {
		t.Fatalf("ShuffleInputsDone: %v", err)
	}

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.doneRuns) != 1 || router.doneRuns[0] != 7 {
		t.Fatalf("router did not see expected run id: %+v", router.doneRuns)
	}
}

func TestShuffleFailRoundTrip(t *testing.T) {
	router := &fakeRouter{}
	srv := startTestServer(t, router)

	client := NewClient(quicutil.MakeClientTLSConfig())
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.ShuffleFail(ctx, shuffletypes.WorkerAddress(srv.Addr()), "s1", 3, "superseded by run_id 4"); err != nil {
		t.Fatalf("ShuffleFail: %v", err)
	}

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.failedIDs) != 1 || router.failedIDs[0] != "s1" {
		t.Fatalf("router did not see expected shuffle_fail: %+v", router.failedIDs)
	}
}

// TestStaleRunKindSurvivesWire exercises the Kind round trip a shuffle_fail
// broadcast depends on: a StaleRun returned by the server handler must
// reconstruct as a StaleRun-kind error on the client, not a generic one, so
// internal/shuffle's latch can tell it apart from an ordinary RPC failure.
func TestStaleRunKindSurvivesWire(t *testing.T) {
	router := &fakeRouter{failNext: true, staleRunNext: true}
	srv := startTestServer(t, router)

	client := NewClient(quicutil.MakeClientTLSConfig())
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.ShuffleReceive(ctx, shuffletypes.WorkerAddress(srv.Addr()), "s1", 1, nil)
	if !shuffleerr.Is(err, shuffleerr.KindStaleRun) {
		t.Fatalf("expected StaleRun to survive the wire, got %v", err)
	}
}

func TestServerErrorSurfacesToClient(t *testing.T) {
	router := &fakeRouter{failNext: true}
	srv := startTestServer(t, router)

	client := NewClient(quicutil.MakeClientTLSConfig())
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.ShuffleReceive(ctx, shuffletypes.WorkerAddress(srv.Addr()), "s1", 1, nil)
	if err == nil {
		t.Fatal("expected error from induced server failure")
	}
}
