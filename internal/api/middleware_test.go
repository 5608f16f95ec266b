package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimit_BucketSharedAcrossPorts(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	limited := RateLimitMiddleware(0.001, 3)(okHandler)

	// Same client IP reconnecting from fresh ephemeral ports must drain one
	// shared bucket.
	ports := []string{"10551", "20662", "30773", "40884"}
	var last int
	for _, port := range ports {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "203.0.113.7:" + port
		rec := httptest.NewRecorder()
		limited.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("4th request from a new port = %d, want 429 after burst of 3", last)
	}

	// A different client IP gets its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.RemoteAddr = "203.0.113.8:10551"
	rec := httptest.NewRecorder()
	limited.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other client = %d, want 200", rec.Code)
	}
}
