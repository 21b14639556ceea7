// Package shuffleintegration runs multi-worker scenarios over the real
// QUIC peer RPC transport (internal/rpctransport), rather than the
// in-process fakeNetwork internal/shuffle's own tests use -- the S1, S4, S5
// and S6 acceptance scenarios of spec.md section 10, driven end to end through
// internal/worker.Plugin, internal/rpctransport, and internal/schedulerclient.
package shuffleintegration

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/quantarax/p2pshuffle/internal/observability"
	"github.com/quantarax/p2pshuffle/internal/quicutil"
	"github.com/quantarax/p2pshuffle/internal/rpctransport"
	"github.com/quantarax/p2pshuffle/internal/schedulerclient"
	"github.com/quantarax/p2pshuffle/internal/shuffle"
	"github.com/quantarax/p2pshuffle/internal/shuffleerr"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
	"github.com/quantarax/p2pshuffle/internal/worker"
)

// testWorker bundles one worker's plugin together with the real QUIC
// server/client pair that carries its peer RPCs.
type testWorker struct {
	plugin *worker.Plugin
	server *rpctransport.Server
	client *rpctransport.Client
	addr   shuffletypes.WorkerAddress
}

// reserveAddr picks a free UDP port and releases it immediately, so a
// worker's own local address is known before its QUIC listener binds
// (internal/worker.NewPlugin takes the local address as a constructor
// argument, ahead of rpctransport.Listen).
func reserveAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("reserveAddr: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func startTestWorker(t *testing.T, scheduler worker.SchedulerClient) *testWorker {
	t.Helper()

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	serverTLS, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("MakeTLSConfig: %v", err)
	}

	log := observability.NewLogger("shuffle-integration-test", "test", nil)
	client := rpctransport.NewClient(quicutil.MakeClientTLSConfig())

	addr := reserveAddr(t)
	w := &testWorker{client: client, addr: shuffletypes.WorkerAddress(addr)}
	plugin := worker.NewPlugin(w.addr, t.TempDir(), scheduler, client, 1<<30, 1<<30, 2, log, nil)

	server, err := rpctransport.Listen(addr, serverTLS, plugin, log)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	w.server = server
	w.plugin = plugin

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		server.Close()
		client.Close()
		_ = plugin.Teardown(context.Background())
	})
	return w
}

func testTableSpec(w0, w1 shuffletypes.WorkerAddress) shuffle.TableSpec {
	return shuffle.TableSpec{
		Column:         "k",
		NPartitionsOut: 2,
		WorkerFor: map[shuffletypes.TablePartitionId]shuffletypes.WorkerAddress{
			0: w0,
			1: w1,
		},
		OutputWorkers: []shuffletypes.WorkerAddress{w0, w1},
	}
}

// TestTwoWorkerTableShuffleOverRealTransport is S1's happy path driven
// through real QUIC connections instead of internal/shuffle's in-process
// fakeNetwork: add_partition on one worker must land on the other via an
// actual shuffle_receive RPC.
func TestTwoWorkerTableShuffleOverRealTransport(t *testing.T) {
	sched := schedulerclient.NewInMemory()

	// addresses aren't known until the listeners are bound, so placeholder
	// workers are started first and the spec is registered once both
	// addresses exist.
	w0 := startTestWorker(t, sched)
	w1 := startTestWorker(t, sched)

	sched.RegisterTableShuffle("s1", testTableSpec(w0.addr, w1.addr))

	// GetOrCreateShuffle consults the scheduler fresh every call, so no
	// extra step is needed to pick up the spec registered just above.
	ctx := context.Background()
	run0, err := w0.plugin.GetOrCreateShuffle(ctx, "s1", shuffletypes.KindTable)
	if err != nil {
		t.Fatalf("GetOrCreateShuffle on w0: %v", err)
	}
	run1, err := w1.plugin.GetOrCreateShuffle(ctx, "s1", shuffletypes.KindTable)
	if err != nil {
		t.Fatalf("GetOrCreateShuffle on w1: %v", err)
	}

	rows := make([]shuffle.TableRow, 6)
	for k := 0; k < 6; k++ {
		rows[k] = shuffle.TableRow{Key: int64(k), Payload: []byte{byte(k)}}
	}
	if _, err := run0.AddTablePartition(ctx, 1, 0, rows); err != nil {
		t.Fatalf("AddTablePartition: %v", err)
	}

	if err := run0.Barrier(ctx, 1); err != nil {
		t.Fatalf("Barrier on w0: %v", err)
	}

	out0, err := run0.GetOutputPartition(ctx, 1, shuffletypes.TablePartitionId(0))
	if err != nil {
		t.Fatalf("GetOutputPartition(0): %v", err)
	}
	out1, err := run1.GetOutputPartition(ctx, 1, shuffletypes.TablePartitionId(1))
	if err != nil {
		t.Fatalf("GetOutputPartition(1): %v", err)
	}
	if len(out0.Data) != 3 {
		t.Errorf("output 0 length = %d, want 3 (delivered over real QUIC)", len(out0.Data))
	}
	if len(out1.Data) != 3 {
		t.Errorf("output 1 length = %d, want 3 (delivered over real QUIC)", len(out1.Data))
	}
}

// TestSupersessionOverRealTransport is S4: once the scheduler issues a
// higher run_id, an add_partition tagged with the old run_id must raise
// StaleRun, and the superseding run must still reach barrier successfully.
func TestSupersessionOverRealTransport(t *testing.T) {
	sched := schedulerclient.NewInMemory()
	w0 := startTestWorker(t, sched)
	w1 := startTestWorker(t, sched)
	sched.RegisterTableShuffle("s1", testTableSpec(w0.addr, w1.addr))

	ctx := context.Background()
	oldRun, err := w0.plugin.GetOrCreateShuffle(ctx, "s1", shuffletypes.KindTable)
	if err != nil {
		t.Fatalf("GetOrCreateShuffle (r=1): %v", err)
	}
	if oldRun.RunID != 1 {
		t.Fatalf("run_id = %d, want 1", oldRun.RunID)
	}

	if err := sched.Supersede("s1"); err != nil {
		t.Fatalf("Supersede: %v", err)
	}

	newRun, err := w0.plugin.GetOrCreateShuffle(ctx, "s1", shuffletypes.KindTable)
	if err != nil {
		t.Fatalf("GetOrCreateShuffle (r=2): %v", err)
	}
	if newRun.RunID != 2 {
		t.Fatalf("run_id after supersede = %d, want 2", newRun.RunID)
	}

	if _, err := oldRun.AddTablePartition(ctx, 1, 0, []shuffle.TableRow{{Key: 0, Payload: []byte{1}}}); !shuffleerr.Is(err, shuffleerr.KindStaleRun) {
		t.Fatalf("add_partition on superseded run: expected StaleRun, got %v", err)
	}

	if _, err := newRun.AddTablePartition(ctx, 2, 0, []shuffle.TableRow{{Key: 0, Payload: []byte{2}}}); err != nil {
		t.Fatalf("add_partition on new run: %v", err)
	}
	if err := newRun.Barrier(ctx, 2); err != nil {
		t.Fatalf("Barrier on new run: %v", err)
	}
}

// TestWrongWorkerUnpackThroughRegistry is S5: unpack for an output
// partition this worker does not own must raise Reschedule, even when
// routed through the plugin registry rather than a bare Run.
func TestWrongWorkerUnpackThroughRegistry(t *testing.T) {
	sched := schedulerclient.NewInMemory()
	w0 := startTestWorker(t, sched)
	w1 := startTestWorker(t, sched)
	sched.RegisterTableShuffle("s1", testTableSpec(w0.addr, w1.addr))

	ctx := context.Background()
	run1, err := w1.plugin.GetOrCreateShuffle(ctx, "s1", shuffletypes.KindTable)
	if err != nil {
		t.Fatalf("GetOrCreateShuffle on w1: %v", err)
	}
	if err := run1.Barrier(ctx, 1); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
	_, err = run1.GetOutputPartition(ctx, 1, shuffletypes.TablePartitionId(0))
	if !shuffleerr.IsReschedule(err) {
		t.Fatalf("expected Reschedule for partition 0 on W1, got %v", err)
	}
}

// TestLimiterBackpressureOverRealTransport is S6: with a 1 MiB comms cap,
// feeding 10 MiB of shards through concurrent add_partition calls must not
// deadlock -- every call must be accepted within the deadline -- and the
// barrier must then succeed.
func TestLimiterBackpressureOverRealTransport(t *testing.T) {
	sched := schedulerclient.NewInMemory()

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	serverTLS, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("MakeTLSConfig: %v", err)
	}
	log := observability.NewLogger("shuffle-integration-test", "test", nil)
	client := rpctransport.NewClient(quicutil.MakeClientTLSConfig())

	addr := shuffletypes.WorkerAddress(reserveAddr(t))
	const commsCap = 1 << 20 // 1 MiB
	plugin := worker.NewPlugin(addr, t.TempDir(), sched, client, commsCap, 1<<30, 2, log, nil)
	server, err := rpctransport.Listen(string(addr), serverTLS, plugin, log)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		server.Close()
		client.Close()
		_ = plugin.Teardown(context.Background())
	})

	sched.RegisterTableShuffle("s1", testTableSpec(addr, addr))
	run, err := plugin.GetOrCreateShuffle(context.Background(), "s1", shuffletypes.KindTable)
	if err != nil {
		t.Fatalf("GetOrCreateShuffle: %v", err)
	}

	const totalBytes = 10 << 20 // 10 MiB
	const chunkBytes = 64 << 10 // 64 KiB per partition add
	nChunks := totalBytes / chunkBytes

	done := make(chan error, nChunks)
	for i := 0; i < nChunks; i++ {
		go func(i int) {
			rows := []shuffle.TableRow{{Key: int64(i * 2), Payload: make([]byte, chunkBytes)}}
			_, err := run.AddTablePartition(context.Background(), 1, 0, rows)
			done <- err
		}(i)
	}

	deadline := time.After(30 * time.Second)
	for i := 0; i < nChunks; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("AddTablePartition[%d]: %v", i, err)
			}
		case <-deadline:
			t.Fatal("timed out waiting for all partitions to be accepted")
		}
	}

	if err := run.Barrier(context.Background(), 1); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
}
