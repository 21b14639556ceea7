// Command shuffleworker runs one worker in the all-to-all shuffle cluster,
// grounded on daemon/main.go's wiring shape: flags, observability,
// TLS/QUIC setup, an accept loop, an API server, and signal-based shutdown
// -- generalized from the teacher's file-transfer daemon to a shuffle
// worker plugin behind a QUIC peer RPC transport.
package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quantarax/p2pshuffle/internal/config"
	"github.com/quantarax/p2pshuffle/internal/observability"
	"github.com/quantarax/p2pshuffle/internal/quicutil"
	"github.com/quantarax/p2pshuffle/internal/rpcadmin"
	"github.com/quantarax/p2pshuffle/internal/rpctransport"
	"github.com/quantarax/p2pshuffle/internal/schedulerclient"
	"github.com/quantarax/p2pshuffle/internal/shuffletypes"
	"github.com/quantarax/p2pshuffle/internal/worker"
)

func main() {
	workerAddr := flag.String("worker-addr", "", "QUIC address peers dial for shuffle_receive/shuffle_inputs_done")
	adminGRPCAddr := flag.String("admin-grpc-addr", "", "admin gRPC address")
	adminRESTAddr := flag.String("admin-rest-addr", "", "admin REST address")
	observAddr := flag.String("observ-addr", "", "observability server address")
	baseDir := flag.String("base-dir", "", "scratch directory root")
	schedulerDBPath := flag.String("scheduler-db", "", "bolt-backed scheduler store path")
	commsLimit := flag.String("comms-limit", "", "comms resource limiter capacity (e.g. 100MiB)")
	diskLimit := flag.String("disk-limit", "", "disk resource limiter capacity (e.g. 1GiB)")
	offloadPoolSize := flag.Int("offload-pool-size", 0, "CPU offload pool size, 0 defaults to runtime.NumCPU()")
	flag.Parse()

	logger := observability.NewLogger("shuffleworker", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")
	if shutdown, err := observability.InitTracing(context.Background(), "shuffleworker"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("shuffle worker starting")

	cfg, err := config.LoadConfig("")
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	if *workerAddr != "" {
		cfg.WorkerAddress = *workerAddr
	}
	if *adminGRPCAddr != "" {
		cfg.AdminGRPCAddress = *adminGRPCAddr
	}
	if *adminRESTAddr != "" {
		cfg.AdminRESTAddress = *adminRESTAddr
	}
	if *observAddr != "" {
		cfg.ObservAddress = *observAddr
	}
	if *baseDir != "" {
		cfg.BaseDir = *baseDir
	}
	if *schedulerDBPath != "" {
		cfg.SchedulerDBPath = *schedulerDBPath
	}
	if *commsLimit != "" {
		n, err := config.ParseByteSize(*commsLimit)
		if err != nil {
			logger.Fatal(err, "invalid comms-limit")
		}
		cfg.CommsLimitBytes = n
	}
	if *diskLimit != "" {
		n, err := config.ParseByteSize(*diskLimit)
		if err != nil {
			logger.Fatal(err, "invalid disk-limit")
		}
		cfg.DiskLimitBytes = n
	}
	if *offloadPoolSize != 0 {
		cfg.OffloadPoolSize = *offloadPoolSize
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal(err, "invalid configuration")
	}

	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		logger.Fatal(err, "failed to create scratch directory")
	}

	scheduler, err := schedulerclient.OpenBolt(cfg.SchedulerDBPath)
	if err != nil {
		logger.Fatal(err, "failed to open scheduler store")
	}
	defer scheduler.Close()

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		logger.Fatal(err, "failed to generate TLS certificate")
	}
	serverTLS, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Fatal(err, "failed to create TLS config")
	}
	clientTLS := quicutil.MakeClientTLSConfig()

	peerClient := rpctransport.NewClient(clientTLS)
	defer peerClient.Close()

	local := shuffletypes.WorkerAddress(cfg.WorkerAddress)
	plugin := worker.NewPlugin(local, cfg.BaseDir, scheduler, peerClient, cfg.CommsLimitBytes, cfg.DiskLimitBytes, cfg.OffloadPoolSize, logger.WithWorker(string(local)), metrics)

	runlogPath := filepath.Join(cfg.BaseDir, "runlog.db")
	if runlog, err := worker.OpenRunLog(runlogPath); err != nil {
		logger.Error(err, "failed to open run ledger, continuing without it")
	} else {
		plugin.SetRunLog(runlog)
		defer runlog.Close()
	}

	rpcServer, err := rpctransport.Listen(cfg.WorkerAddress, serverTLS, plugin, logger)
	if err != nil {
		logger.Fatal(err, "failed to start peer RPC listener")
	}
	defer rpcServer.Close()
	logger.Info("peer RPC listener started on " + rpcServer.Addr())

	healthChecker.RegisterCheck("peer_rpc_listener", observability.QUICListenerCheck(rpcServer.Addr()))
	healthChecker.RegisterCheck("scheduler", observability.SchedulerReachableCheck(true))
	healthChecker.RegisterCheck("scheduler_db", observability.DatabaseCheck(cfg.SchedulerDBPath))
	healthChecker.RegisterCheck("scratch_disk", observability.DiskSpaceCheck(cfg.BaseDir, 1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rate limit inbound peer connections the same way the teacher rate
	// limits its QUIC accept loop in daemon/main.go.
	rpcServer.SetConnectionRateLimit(200, 400)
	go func() {
		if err := rpcServer.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error(err, "peer RPC server stopped")
		}
	}()

	adminServer := rpcadmin.NewAdminServer(plugin)
	grpcStop, restStop, err := rpcadmin.StartAdminServers(ctx, cfg.AdminGRPCAddress, cfg.AdminRESTAddress, adminServer)
	if err != nil {
		logger.Fatal(err, "failed to start admin servers")
	}
	logger.Info("admin servers started: gRPC on " + cfg.AdminGRPCAddress + ", REST on " + cfg.AdminRESTAddress)

	go startObservabilityServer(cfg.ObservAddress, metrics, healthChecker, logger)

	logger.Info("shuffle worker running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	cancel()
	grpcStop()
	restStop()

	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer teardownCancel()
	if err := plugin.Teardown(teardownCtx); err != nil {
		logger.Error(err, "plugin teardown did not complete cleanly")
	}

	logger.Info("shuffle worker stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr + " (metrics, health, pprof)")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}
