// Command rresd is a demo composition binary: it wires together a
// facade.ReservationFacade, a hostiface.ReferenceHost, the
// observability metrics registry, an introspect.Hub for live
// scheduling-decision inspection, and (when configured) ruledb's
// Redis rule store and Postgres audit sink. It exists to show how a
// real host process assembles the library, the same role
// control_plane/main.go plays for the teacher's reconciliation
// scheduler.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbrt/rres/clock"
	"github.com/mbrt/rres/facade"
	"github.com/mbrt/rres/hostiface"
	"github.com/mbrt/rres/introspect"
	"github.com/mbrt/rres/ruledb"
	"github.com/mbrt/rres/supervisor"
)

func main() {
	ctx := context.Background()

	sup := supervisor.New()
	if err := loadRules(ctx, sup); err != nil {
		log.Printf("ruledb: continuing without persisted rules: %v", err)
	}

	clockSrc := clock.NewSystemSource()
	host := hostiface.NewReferenceHost(clockSrc, nil)

	ratePerSecond := envFloat("RRES_API_RATE", 50)
	burst := envInt("RRES_API_BURST", 100)
	f := facade.New(clockSrc, sup, host, ratePerSecond, burst)
	host.SetHooks(f)

	if sink, err := connectAuditSink(ctx); err != nil {
		log.Printf("ruledb: admission/recharge audit disabled: %v", err)
	} else if sink != nil {
		f.SetAuditSink(sink)
	}

	hub := introspect.NewHub()
	go hub.Run(ctx)
	f.SetEventSink(hub)

	go driveClock(f, clockSrc)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	http.Handle("/metrics", promhttp.Handler())
	http.Handle("/ws", hub)

	addr := ":8080"
	if v := os.Getenv("RRES_ADDR"); v != "" {
		addr = v
	}
	fmt.Println("rres reservation scheduler listening on", addr)
	log.Fatal(http.ListenAndServe(addr, nil))
}

// driveClock periodically advances the scheduler's notion of time,
// the Tick-sweep simplification documented in DESIGN.md standing in
// for one recharge timer armed per server.
func driveClock(f *facade.ReservationFacade, src *clock.SystemSource) {
	const tick = 2 * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	last := src.Now()
	for range ticker.C {
		now := src.Now()
		f.Tick(now, now.Sub(last))
		last = now
	}
}

// loadRules connects to Redis (if RRES_REDIS_ADDR is set) and replays
// any previously persisted rule administration onto sup.
func loadRules(ctx context.Context, sup *supervisor.Supervisor) error {
	addr := os.Getenv("RRES_REDIS_ADDR")
	if addr == "" {
		return nil
	}
	store, err := ruledb.NewRedisRuleStore(addr, os.Getenv("RRES_REDIS_PASSWORD"), envInt("RRES_REDIS_DB", 0))
	if err != nil {
		return err
	}
	rs, err := store.LoadRules(ctx)
	if err != nil {
		return err
	}
	return ruledb.ApplyTo(sup, rs)
}

// connectAuditSink connects to Postgres (if RRES_POSTGRES_DSN is set)
// to record admission/recharge events durably.
func connectAuditSink(ctx context.Context) (ruledb.AuditSink, error) {
	dsn := os.Getenv("RRES_POSTGRES_DSN")
	if dsn == "" {
		return nil, nil
	}
	return ruledb.NewPostgresAuditSink(ctx, dsn)
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var f float64
	if _, err := fmt.Sscanf(v, "%f", &f); err != nil {
		return def
	}
	return f
}
