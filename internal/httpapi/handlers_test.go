package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hamed0406/healthpipe/internal/domain"
	apimw "github.com/hamed0406/healthpipe/internal/httpapi/middleware"
	"github.com/hamed0406/healthpipe/internal/repo/memory"
)

// ---- test helpers ----

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func setupRouter(t *testing.T, store *memory.Store) http.Handler {
	t.Helper()
	srv := NewServer(zap.NewNop(), store)
	srv.Now = func() time.Time { return fixedNow }

	keys := apimw.Keys{Public: []string{"pub_test"}}
	// very high rate limits to avoid flakiness in tests
	return srv.Router(keys, []string{"https://dash.example"}, 10_000, 10_000)
}

func seed(t *testing.T, store *memory.Store, target string) {
	t.Helper()
	for i := 0; i < 10; i++ {
		at := fixedNow.Add(-time.Duration(i+1) * 10 * time.Second)
		store.Now = func() time.Time { return at }
		code := 200
		if i < 3 {
			code = 500
		}
		if _, err := store.Append(context.Background(), "", domain.Observed(target, code, time.Duration(i+1)*10*time.Millisecond)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func get(t *testing.T, h http.Handler, path string, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type metricsBody struct {
	URL        string   `json:"url"`
	WindowSecs int      `json:"window_secs"`
	Samples    int      `json:"samples"`
	Avg        *float64 `json:"avg_response_time"`
	NumBad     *int64   `json:"num_bad"`
	P90        *float64 `json:"ninetieth_percentile_response_time"`
	ComputedAt string   `json:"computed_at"`
}

// ---- tests ----

func TestHealthz_NoAuth(t *testing.T) {
	rec := get(t, setupRouter(t, memory.New()), "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("want 200 ok, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestMetrics_Aggregates(t *testing.T) {
	store := memory.New()
	target := "https://example.com/"
	seed(t, store, target)
	h := setupRouter(t, store)

	rec := get(t, h, "/api/metrics?url="+url.QueryEscape(target), "pub_test")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body metricsBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.URL != target || body.WindowSecs != 300 || body.Samples != 10 {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.NumBad == nil || *body.NumBad != 3 {
		t.Fatalf("want num_bad 3, got %v", body.NumBad)
	}
	if body.P90 == nil || *body.P90 < 0.0899 || *body.P90 > 0.0901 {
		t.Fatalf("want p90 0.09, got %v", body.P90)
	}
	if body.ComputedAt != "2025-06-01T12:00:00Z" {
		t.Fatalf("unexpected computed_at %q", body.ComputedAt)
	}
}

func TestMetrics_EmptyWindowIsNull(t *testing.T) {
	store := memory.New()
	target := "https://example.com/"
	seed(t, store, target)
	h := setupRouter(t, store)

	// an hour later nothing is inside the window
	at := fixedNow.Add(time.Hour).Format(time.RFC3339)
	rec := get(t, h, "/api/metrics?url="+url.QueryEscape(target)+"&at="+url.QueryEscape(at), "pub_test")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	var raw map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, k := range []string{"avg_response_time", "num_bad", "ninetieth_percentile_response_time"} {
		v, ok := raw[k]
		if !ok || v != nil {
			t.Fatalf("want %s present and null, got %v (present=%v)", k, v, ok)
		}
	}
}

func TestMetrics_BadInput(t *testing.T) {
	h := setupRouter(t, memory.New())
	for _, path := range []string{
		"/api/metrics",
		"/api/metrics?url=ftp%3A%2F%2Fx",
		"/api/metrics?url=https%3A%2F%2Fexample.com&at=yesterday",
		"/api/observations?url=https%3A%2F%2Fexample.com&limit=-1",
	} {
		if rec := get(t, h, path, "pub_test"); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: want 400, got %d", path, rec.Code)
		}
	}
}

func TestMetrics_RequiresKey(t *testing.T) {
	h := setupRouter(t, memory.New())
	if rec := get(t, h, "/api/metrics?url=https%3A%2F%2Fexample.com", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", rec.Code)
	}
}

type brokenReader struct{ *memory.Store }

func (brokenReader) Aggregate(ctx context.Context, url string, now time.Time) (domain.AggregateMetrics, error) {
	return domain.AggregateMetrics{}, errors.New("db down")
}

func TestMetrics_StoreErrorIs500(t *testing.T) {
	srv := NewServer(zap.NewNop(), brokenReader{memory.New()})
	h := srv.Router(apimw.Keys{}, nil, 0, 0)
	if rec := get(t, h, "/api/metrics?url=https%3A%2F%2Fexample.com", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("want 500, got %d", rec.Code)
	}
}

func TestObservations_NewestFirstWithLimit(t *testing.T) {
	store := memory.New()
	target := "https://example.com/"
	seed(t, store, target)
	h := setupRouter(t, store)

	rec := get(t, h, "/api/observations?limit=3&url="+url.QueryEscape(target), "pub_test")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	var rows []domain.StoredHealthRow
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("want 3 rows, got %d", len(rows))
	}
	if !rows[0].RecordedAt.After(rows[1].RecordedAt) {
		t.Fatalf("rows not newest first: %v %v", rows[0].RecordedAt, rows[1].RecordedAt)
	}
	if rows[0].Code.Int64 != 500 || rows[0].Status != domain.StatusBad {
		t.Fatalf("unexpected newest row: %+v", rows[0])
	}
}

func TestObservations_EmptyIsArray(t *testing.T) {
	rec := get(t, setupRouter(t, memory.New()), "/api/observations?url=https%3A%2F%2Fnone.example", "pub_test")
	if rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Fatalf("want empty array, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestCORS_AllowedOrigin(t *testing.T) {
	h := setupRouter(t, memory.New())
	req := httptest.NewRequest(http.MethodOptions, "/api/metrics", nil)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Fatalf("want allowed origin echoed, got %q", got)
	}
}
