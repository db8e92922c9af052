// Command orchestrator is the composition root: it loads configuration,
// wires every internal component together, reindexes whatever engines
// are already running, and serves the proxy's streaming HTTP endpoint
// until SIGTERM/SIGINT, the same parseArgs-then-main shape the donor's
// proxy.go uses, generalized from flag.Parse() to config.Load()'s pure
// env-var surface since this binary runs as a container entrypoint
// rather than a developer-invoked CLI.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/krinkuto11/acestream-orchestrator/internal/breaker"
	"github.com/krinkuto11/acestream-orchestrator/internal/config"
	"github.com/krinkuto11/acestream-orchestrator/internal/engine"
	"github.com/krinkuto11/acestream-orchestrator/internal/engineapi"
	"github.com/krinkuto11/acestream-orchestrator/internal/events"
	"github.com/krinkuto11/acestream-orchestrator/internal/health"
	"github.com/krinkuto11/acestream-orchestrator/internal/metrics"
	"github.com/krinkuto11/acestream-orchestrator/internal/ports"
	"github.com/krinkuto11/acestream-orchestrator/internal/proxy"
	"github.com/krinkuto11/acestream-orchestrator/internal/runtime"
	"github.com/krinkuto11/acestream-orchestrator/internal/state"
	"github.com/krinkuto11/acestream-orchestrator/internal/vpn"
	"github.com/krinkuto11/acestream-orchestrator/internal/vpnapi"
	"github.com/krinkuto11/acestream-orchestrator/lib/debug"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetLogLoggerLevel(lookupLogLevel(cfg.LogLevel))

	debug.InitDebugLogger(cfg.DebugMode, cfg.DebugLogDir)
	if cfg.DebugMode {
		slog.Info("debug mode enabled", "log_dir", cfg.DebugLogDir)
	}

	alloc := ports.New()
	alloc.AddPool(ports.PoolHost, cfg.PortRangeHost.Min, cfg.PortRangeHost.Max)
	alloc.AddPool(ports.PoolContainerHTTP, cfg.AceHTTPRange.Min, cfg.AceHTTPRange.Max)
	alloc.AddPool(ports.PoolContainerHTTPS, cfg.AceHTTPSRange.Min, cfg.AceHTTPSRange.Max)

	store := state.New(fleetModeOf(cfg.VPNMode))
	bus := events.New(64)
	met := metrics.New()
	br := breaker.New(cfg.CircuitBreakerFailureThreshold, cfg.CircuitBreakerRecoveryTimeout)

	rt, err := runtime.NewDockerRuntime()
	if err != nil {
		slog.Error("failed to connect to the container runtime", "error", err)
		os.Exit(1)
	}

	ctrl := engine.New(cfg, rt, alloc, store, br, bus, met, nil)
	eapi := engineapi.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := ctrl.Reindex(ctx); err != nil {
		slog.Error("initial reindex failed", "error", err)
	}

	var vpnIDs []string
	var coord *vpn.Coordinator
	if cfg.VPNMode != config.VPNModeDisabled {
		vapi := vpnapi.New()
		base := func(vpnID string) string {
			return "http://" + vpnID + ":" + strconv.Itoa(cfg.GluetunAPIPort)
		}
		coord = vpn.New(cfg, store, rt, vapi, eapi, ctrl, bus, met, nil, base)
		ctrl.VPNHealthy = coord.IsHealthy
		ctrl.VPNForwardedPort = coord.ForwardedPort

		vpnIDs = append(vpnIDs, cfg.GluetunContainerName)
		if cfg.VPNMode == config.VPNModeRedundant {
			vpnIDs = append(vpnIDs, cfg.GluetunContainerName2)
		}
		go coord.Run(ctx, vpnIDs)
	}

	var vpnStatus health.VPNStatus
	var stabilizing health.StabilizationFunc
	if coord != nil {
		vpnStatus = coord
		stabilizing = func(vpnID string) bool {
			v, ok := store.GetVPN(vpnID)
			return ok && !v.RecoveryStabilizationUntil.IsZero() && time.Now().Before(v.RecoveryStabilizationUntil)
		}
	}
	hm := health.New(cfg, store, eapi, ctrl, vpnStatus, stabilizing, bus, met, nil)
	go hm.Run(ctx)

	vpnHealthy := func(vpnID string) bool {
		if vpnID == "" {
			return true
		}
		if coord == nil {
			return true
		}
		return coord.IsHealthy(vpnID)
	}
	sessions := proxy.NewManager(cfg, eapi, store, bus, met, nil, store.ListEngines, vpnHealthy)
	go sessions.Run(ctx)
	streamSrv := proxy.NewServer(sessions, nil)

	mux := http.NewServeMux()
	mux.Handle("/ace/getstream", streamSrv)
	mux.Handle("/ace/getstream/", streamSrv)
	mux.Handle("/ace/status", streamSrv)

	httpSrv := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		slog.Info("starting server", "addr", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	}
}

func fleetModeOf(m config.VPNMode) state.FleetMode {
	switch m {
	case config.VPNModeSingle:
		return state.FleetSingle
	case config.VPNModeRedundant:
		return state.FleetRedundant
	default:
		return state.FleetDisabled
	}
}

func lookupLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

