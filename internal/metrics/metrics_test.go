package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	dto "github.com/prometheus/client_model/go"

	"github.com/lunopoly/table-engine/internal/metrics"
)

func requests(t *testing.T, status string) float64 {
	t.Helper()
	var m dto.Metric
	if err := metrics.HTTPRequestsTotal.WithLabelValues("GET", "/tables/{tableID}", status).Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Get("/tables/{tableID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := requests(t, "418")
	for _, id := range []string{"a", "b"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/tables/"+id, nil))
	}
	after := requests(t, "418")
	if after-before != 2 {
		t.Errorf("counter advanced by %v, want 2", after-before)
	}
}
