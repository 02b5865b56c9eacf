package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInstrumentPreservesStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
}

func TestObserveCommand(t *testing.T) {
	// must not panic on unregistered metrics either
	ObserveCommand("ping", "ok", 3*time.Millisecond)
	ConnOpened()
	ConnClosed()
}
