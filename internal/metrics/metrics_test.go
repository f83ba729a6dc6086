package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRequest(t *testing.T) {
	before := testutil.ToFloat64(requests.WithLabelValues("prepare", "error"))
	RecordRequest("prepare", errors.New("boom"), time.Millisecond)
	after := testutil.ToFloat64(requests.WithLabelValues("prepare", "error"))

	if after-before != 1 {
		t.Errorf("requests{prepare,error} delta = %v, want 1", after-before)
	}
}

func TestRecordTransition(t *testing.T) {
	before := testutil.ToFloat64(transitions.WithLabelValues("4", "idle", "ready"))
	RecordTransition(4, "idle", "ready")
	after := testutil.ToFloat64(transitions.WithLabelValues("4", "idle", "ready"))

	if after-before != 1 {
		t.Errorf("transitions delta = %v, want 1", after-before)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	RecordNotification(1, "component_prepared")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cfu_component_notifications_total") {
		t.Error("scrape output missing cfu_component_notifications_total")
	}
}

func TestRecordDroppedEvent(t *testing.T) {
	before := testutil.ToFloat64(droppedEvents)
	RecordDroppedEvent()
	if got := testutil.ToFloat64(droppedEvents) - before; got != 1 {
		t.Errorf("droppedEvents delta = %v, want 1", got)
	}
}
