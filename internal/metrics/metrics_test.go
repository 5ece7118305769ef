package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndHelpersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncSpawn("worker")
	IncSpawn("worker")
	IncSpawn("mold")
	IncExit("worker")
	IncPromotion("attempted")
	IncPromotion("succeeded")
	ObservePromoting(0.5)
	ObserveDraining(3.2)
	SetGeneration(2)
	SetPhase("draining")
	SetServing(4)
	SetDegraded(true)
	SetRequestCount(7, "worker", 1234)
	SetForkSafe(7, true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"remold_process_spawns_total":                 false,
		"remold_process_exits_total":                  false,
		"remold_promotion_rounds_total":               false,
		"remold_promotion_handshake_duration_seconds": false,
		"remold_promotion_rollover_duration_seconds":  false,
		"remold_pool_generation":                      false,
		"remold_pool_phase":                           false,
		"remold_pool_serving_workers":                 false,
		"remold_pool_degraded":                        false,
		"remold_process_request_count":                false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestClearProcessDropsSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	SetRequestCount(42, "worker", 10)
	SetForkSafe(42, true)
	ClearProcess(42)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "remold_process_request_count" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "seq" && l.GetValue() == "42" {
					t.Fatalf("series for retired process survived ClearProcess")
				}
			}
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Ensure collectors are registered with the default registry used by Handler().
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncSpawn("worker")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "remold_process_spawns_total") {
		t.Fatalf("metrics output missing spawns_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncSpawn("worker")
			IncExit("worker")
			IncPromotion("attempted")
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// These should be no-ops and not panic when called before Register
	IncSpawn("worker")
	IncExit("mold")
	IncPromotion("aborted")
	ObservePromoting(1.0)
	ObserveDraining(1.0)
	SetGeneration(3)
	SetPhase("ready")
	SetServing(1)
	SetDegraded(false)
	SetRequestCount(1, "worker", 1)
	SetForkSafe(1, false)
	ClearProcess(1)
}
