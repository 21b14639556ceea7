package commbuf

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quantarax/p2pshuffle/internal/limiter"
	"github.com/quantarax/p2pshuffle/internal/shuffleerr"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
)

type fakePeer struct {
	mu       sync.Mutex
	received map[shuffletypes.WorkerAddress][]Payload
	calls    int
	failNext error
}

func newFakePeer() *fakePeer {
	return &fakePeer{received: make(map[shuffletypes.WorkerAddress][]Payload)}
}

func (f *fakePeer) ShuffleReceive(_ context.Context, dest shuffletypes.WorkerAddress, _ shuffletypes.ShuffleId, _ shuffletypes.RunId, data []Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.received[dest] = append(f.received[dest], data...)
	return nil
}

func (f *fakePeer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakePeer) receivedFor(dest shuffletypes.WorkerAddress) []Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Payload(nil), f.received[dest]...)
}

func payloadOf(n int) Payload {
	return Payload{ProducerID: shuffletypes.TablePartitionId(0), Bytes: make([]byte, n)}
}

func TestWriteBelowThresholdWaitsForExplicitFlush(t *testing.T) {
	peer := newFakePeer()
	b := New("s1", 1, peer, limiter.New(1<<30), nil)

	if err := b.Write(context.Background(), map[shuffletypes.WorkerAddress][]Payload{
		"W0": {payloadOf(16)},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// A small write under FlushThresholdBytes must not trigger a send on its
	// own; give the background flush loop a chance to misbehave before
	// asserting it didn't.
	time.Sleep(20 * time.Millisecond)
	if got := peer.callCount(); got != 0 {
		t.Fatalf("ShuffleReceive called %d times before any Flush, want 0", got)
	}

	b.Flush(context.Background())
	if got := peer.callCount(); got != 1 {
		t.Fatalf("ShuffleReceive called %d times after Flush, want 1", got)
	}
	if got := peer.receivedFor("W0"); len(got) != 1 {
		t.Fatalf("W0 received %d payloads, want 1", len(got))
	}
}

func TestWriteCrossingThresholdFlushesInBackground(t *testing.T) {
	peer := newFakePeer()
	b := New("s1", 1, peer, limiter.New(1<<30), nil)

	if err := b.Write(context.Background(), map[shuffletypes.WorkerAddress][]Payload{
		"W0": {payloadOf(FlushThresholdBytes)},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for peer.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("crossing the flush threshold never triggered a background send")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWriteAccountsAgainstLimiterUntilDrained(t *testing.T) {
	lim := limiter.New(1 << 30)
	peer := newFakePeer()
	b := New("s1", 1, peer, lim, nil)

	if err := b.Write(context.Background(), map[shuffletypes.WorkerAddress][]Payload{
		"W0": {payloadOf(1024)},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := lim.InUse(); got != 1024 {
		t.Fatalf("limiter InUse after Write = %d, want 1024", got)
	}

	b.Flush(context.Background())
	if got := lim.InUse(); got != 0 {
		t.Fatalf("limiter InUse after Flush = %d, want 0", got)
	}
	if got := b.TotalSent(); got != 1024 {
		t.Fatalf("TotalSent = %d, want 1024", got)
	}
}

func TestDrainFailureWrapsAsPeerFailure(t *testing.T) {
	peer := newFakePeer()
	peer.failNext = errors.New("boom")

	var got error
	onError := func(err error) { got = err }

	b := New("s1", 1, peer, limiter.New(1<<30), onError)
	if err := b.Write(context.Background(), map[shuffletypes.WorkerAddress][]Payload{
		"W0": {payloadOf(16)},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	b.Flush(context.Background())

	if !shuffleerr.Is(got, shuffleerr.KindPeerFailure) {
		t.Fatalf("expected onError to see a PeerFailure, got %v", got)
	}
}

func TestDrainStaleRunPassesThroughUnwrapped(t *testing.T) {
	peer := newFakePeer()
	peer.failNext = shuffleerr.New(shuffleerr.KindStaleRun, "peer moved on")

	var got error
	onError := func(err error) { got = err }

	b := New("s1", 1, peer, limiter.New(1<<30), onError)
	if err := b.Write(context.Background(), map[shuffletypes.WorkerAddress][]Payload{
		"W0": {payloadOf(16)},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	b.Flush(context.Background())

	if !shuffleerr.Is(got, shuffleerr.KindStaleRun) {
		t.Fatalf("expected onError to see the original StaleRun, got %v", got)
	}
}

func TestOnRPCRecordsOutcome(t *testing.T) {
	peer := newFakePeer()
	b := New("s1", 1, peer, limiter.New(1<<30), nil)

	var mu sync.Mutex
	var gotMethod string
	var gotSuccess bool
	b.SetOnRPC(func(method string, success bool, _ float64) {
		mu.Lock()
		defer mu.Unlock()
		gotMethod = method
		gotSuccess = success
	})

	if err := b.Write(context.Background(), map[shuffletypes.WorkerAddress][]Payload{
		"W0": {payloadOf(16)},
	}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	b.Flush(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if gotMethod != "shuffle_receive" || !gotSuccess {
		t.Fatalf("onRPC = (%q, %v), want (\"shuffle_receive\", true)", gotMethod, gotSuccess)
	}
}
