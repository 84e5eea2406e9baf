package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gridstream.dev/internal/persistence/indexdb"
	persistlog "gridstream.dev/internal/persistence/log"
	"gridstream.dev/internal/stream"
	"gridstream.dev/internal/transport/validator"
	"gridstream.dev/internal/transport/ws"
	"gridstream.dev/internal/tuning"
)

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		tuningPath   = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		validatorURL = flag.String("validator", "", "validation responder ws url (empty: rely on timeout fail-open)")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite decision index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[streamd] ", log.LstdFlags|log.Lmicroseconds)

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", *tuningPath)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	_ = os.MkdirAll(*dataDir, 0o755)

	// Optional read-model index (does not affect pipeline behavior).
	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "decisions.db"))
		if err != nil {
			logger.Fatalf("open decision index: %v", err)
		}
		defer idx.Close()
	}

	decisionLog := persistlog.NewDecisionLogger(*dataDir)
	defer decisionLog.Close()

	ctx, cancel := signalContext()
	defer cancel()

	gw := ws.NewGateway(logger)

	var vc *validator.Client
	hooks := stream.Hooks{
		Dispatch:  gw.Dispatch,
		Exists:    gw.EntityExists,
		Viewpoint: gw.Viewpoint,
		Boundary:  gw,
		Audit:     multiAuditLogger{a: decisionLog, b: idx},
		Logger:    logger,
	}
	if strings.TrimSpace(*validatorURL) != "" {
		hooks.Validate = func(id stream.EntityID, kind stream.EntityKind) {
			vc.Request(id, kind)
		}
	}

	pipe := stream.New(stream.Config{
		Enabled:           tune.Enabled,
		BatchSize:         tune.BatchSizePerTick,
		ValidationTimeout: tune.ValidationTimeout(),
		CreateDelay:       tune.PhysicsDelay(),
		DistancePriority:  tune.DistancePriority,
		DistanceThreshold: tune.DistanceThreshold,
	}, hooks)
	defer pipe.Shutdown()

	if strings.TrimSpace(*validatorURL) != "" {
		vc = validator.NewClient(*validatorURL, pipe.Tracker().ReportOutcome, logger)
		go vc.Run(ctx)
	} else {
		logger.Printf("no validator configured; validations resolve by timeout (fail-open)")
	}

	// Frame driver.
	go func() {
		interval := time.Second / time.Duration(tune.TickRateHz)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pipe.Tick()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, pipe, gw, vc, idx)
	})
	// Local-only admin endpoint.
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			Enabled   bool                   `json:"enabled"`
			Streaming bool                   `json:"streaming_in_progress"`
			Metrics   stream.PipelineMetrics `json:"metrics"`
		}{
			Enabled:   pipe.Enabled(),
			Streaming: pipe.StreamingInProgress(),
			Metrics:   pipe.Metrics(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	})
	mux.HandleFunc("/v1/ws", ws.NewServer(gw, pipe, logger).Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s (batch=%d timeout=%dms delay=%dms)", *addr, tune.BatchSizePerTick, tune.ValidationTimeoutMs, tune.PhysicsDelayMs)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func writeMetrics(rw http.ResponseWriter, pipe *stream.Orchestrator, gw *ws.Gateway, vc *validator.Client, idx *indexdb.SQLiteIndex) {
	m := pipe.Metrics()

	fmt.Fprintf(rw, "# HELP gridstream_queue_pending Pending creation requests.\n")
	fmt.Fprintf(rw, "# TYPE gridstream_queue_pending gauge\n")
	fmt.Fprintf(rw, "gridstream_queue_pending %d\n", m.Queue.Pending)

	fmt.Fprintf(rw, "# HELP gridstream_queue_in_flight Dispatched-but-unconfirmed entities.\n")
	fmt.Fprintf(rw, "# TYPE gridstream_queue_in_flight gauge\n")
	fmt.Fprintf(rw, "gridstream_queue_in_flight %d\n", m.Queue.InFlight)

	fmt.Fprintf(rw, "# HELP gridstream_queue_total Queue decision totals.\n")
	fmt.Fprintf(rw, "# TYPE gridstream_queue_total counter\n")
	fmt.Fprintf(rw, "gridstream_queue_total{decision=%q} %d\n", "admitted", m.Queue.AdmittedTotal)
	fmt.Fprintf(rw, "gridstream_queue_total{decision=%q} %d\n", "drop_expired", m.Queue.DropExpiredTotal)
	fmt.Fprintf(rw, "gridstream_queue_total{decision=%q} %d\n", "cooldown", m.Queue.CooldownTotal)
	fmt.Fprintf(rw, "gridstream_queue_total{decision=%q} %d\n", "evicted_stuck", m.Queue.EvictedTotal)

	fmt.Fprintf(rw, "# HELP gridstream_validation_pending Pending validation requests.\n")
	fmt.Fprintf(rw, "# TYPE gridstream_validation_pending gauge\n")
	fmt.Fprintf(rw, "gridstream_validation_pending %d\n", m.Tracker.Pending)

	fmt.Fprintf(rw, "# HELP gridstream_validation_total Validation outcomes.\n")
	fmt.Fprintf(rw, "# TYPE gridstream_validation_total counter\n")
	fmt.Fprintf(rw, "gridstream_validation_total{outcome=%q} %d\n", "valid", m.Tracker.ValidTotal)
	fmt.Fprintf(rw, "gridstream_validation_total{outcome=%q} %d\n", "invalid", m.Tracker.InvalidTotal)
	fmt.Fprintf(rw, "gridstream_validation_total{outcome=%q} %d\n", "timeout", m.Tracker.TimeoutTotal)

	fmt.Fprintf(rw, "# HELP gridstream_physics_deferred Deferred physics records.\n")
	fmt.Fprintf(rw, "# TYPE gridstream_physics_deferred gauge\n")
	fmt.Fprintf(rw, "gridstream_physics_deferred %d\n", m.Scheduler.Deferred)

	fmt.Fprintf(rw, "# HELP gridstream_physics_total Physics decision totals.\n")
	fmt.Fprintf(rw, "# TYPE gridstream_physics_total counter\n")
	fmt.Fprintf(rw, "gridstream_physics_total{decision=%q} %d\n", "created", m.Scheduler.CreatedTotal)
	fmt.Fprintf(rw, "gridstream_physics_total{decision=%q} %d\n", "forced", m.Scheduler.ForcedTotal)
	fmt.Fprintf(rw, "gridstream_physics_total{decision=%q} %d\n", "removed", m.Scheduler.RemovedTotal)

	fmt.Fprintf(rw, "# HELP gridstream_gateway_send_drop_total Outbound messages dropped by the gateway.\n")
	fmt.Fprintf(rw, "# TYPE gridstream_gateway_send_drop_total counter\n")
	fmt.Fprintf(rw, "gridstream_gateway_send_drop_total %d\n", gw.SendDropTotal())

	if vc != nil {
		fmt.Fprintf(rw, "# HELP gridstream_validator_connected Responder connection state.\n")
		fmt.Fprintf(rw, "# TYPE gridstream_validator_connected gauge\n")
		connected := 0
		if vc.Connected() {
			connected = 1
		}
		fmt.Fprintf(rw, "gridstream_validator_connected %d\n", connected)

		fmt.Fprintf(rw, "# HELP gridstream_validator_drop_total Requests dropped while disconnected.\n")
		fmt.Fprintf(rw, "# TYPE gridstream_validator_drop_total counter\n")
		fmt.Fprintf(rw, "gridstream_validator_drop_total %d\n", vc.DropTotal())
	}

	if idx != nil {
		st := idx.StatsSnapshot()
		fmt.Fprintf(rw, "# HELP gridstream_index_queue_depth Decision index queue depth.\n")
		fmt.Fprintf(rw, "# TYPE gridstream_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "gridstream_index_queue_depth %d\n", st.QueueDepth)

		fmt.Fprintf(rw, "# HELP gridstream_index_drop_total Decisions dropped by the index.\n")
		fmt.Fprintf(rw, "# TYPE gridstream_index_drop_total counter\n")
		fmt.Fprintf(rw, "gridstream_index_drop_total %d\n", st.DropTotal)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// multiAuditLogger fans decision records out to the JSONL log and the index.
type multiAuditLogger struct {
	a stream.AuditLogger
	b *indexdb.SQLiteIndex
}

func (m multiAuditLogger) WriteAudit(entry stream.AuditEntry) error {
	if m.a != nil {
		_ = m.a.WriteAudit(entry)
	}
	if m.b != nil {
		_ = m.b.WriteAudit(entry)
	}
	return nil
}
