package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndHelpersRecord(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	IncSessionSave("ok")
	RecordTransition("authenticated", "ready")
	SetPoolInitializing(2)
	SetPoolAgents(4)
	IncDelivery("success")
	IncSchedulerPass("execute")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"groupcast_session_saves_total":     false,
		"groupcast_agent_transitions_total": false,
		"groupcast_pool_initializing":       false,
		"groupcast_pool_agents":             false,
		"groupcast_deliveries_total":        false,
		"groupcast_scheduler_passes_total":  false,
	}
	for _, mf := range mfs {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
			if len(mf.GetMetric()) == 0 {
				t.Errorf("metric %s has no samples", mf.GetName())
			}
		}
	}
	for name, ok := range want {
		if !ok {
			t.Errorf("expected metric %s", name)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}
	IncDelivery("error")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "groupcast_deliveries_total") {
		t.Error("expected groupcast_deliveries_total in output")
	}
}
