package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimitPerClient(t *testing.T) {
	handler := RateLimit(0.001, 2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/telnyx/messages", nil)
		req.Header.Set("X-Real-Ip", ip)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	for i := 0; i < 2; i++ {
		if code := send("10.0.0.1"); code != http.StatusNoContent {
			t.Fatalf("request %d: expected %d, got %d", i, http.StatusNoContent, code)
		}
	}
	if code := send("10.0.0.1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected burst to be exhausted, got %d", code)
	}
	if code := send("10.0.0.2"); code != http.StatusNoContent {
		t.Fatalf("expected other client to be unaffected, got %d", code)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	if got := clientIP(req); got != "192.0.2.7" {
		t.Fatalf("expected host part of remote addr, got %q", got)
	}
}
