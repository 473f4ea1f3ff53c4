package logging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSetLevel(t *testing.T) {
	if err := Init(Config{Level: "info", Format: "json", OutputPath: "stderr"}); err != nil {
		t.Fatalf("Init: %v", err)
	}

	SetLevel("debug")
	if got := Level(); got != "debug" {
		t.Errorf("Level() = %q, want debug", got)
	}

	SetLevel("not-a-level")
	if got := Level(); got != "debug" {
		t.Errorf("invalid level changed Level() to %q", got)
	}
	SetLevel("info")
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := requestID(ctx); got != "req-1" {
		t.Errorf("requestID() = %q, want req-1", got)
	}
	if WithContext(ctx) == L() {
		t.Error("context logger should differ from the global logger")
	}
	if requestID(context.Background()) != "" {
		t.Error("empty context should have no request id")
	}
}

func TestMiddleware(t *testing.T) {
	var seen string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
		if rec.Code != http.StatusTeapot {
			t.Errorf("status = %d", rec.Code)
		}
		id := rec.Header().Get("X-Request-ID")
		if id == "" || id != seen {
			t.Errorf("X-Request-ID = %q, handler saw %q", id, seen)
		}
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Request-ID", "abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if seen != "abc" || rec.Header().Get("X-Request-ID") != "abc" {
			t.Errorf("request id not propagated: saw %q", seen)
		}
	})
}
