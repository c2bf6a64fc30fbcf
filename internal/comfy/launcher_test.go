package comfy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEnsureUpAlreadyAlive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL)
	// No Dir configured: EnsureUp must short-circuit before looking at it.
	if err := EnsureUp(context.Background(), c, LaunchConfig{}, time.Second); err != nil {
		t.Fatalf("EnsureUp failed for a live backend: %v", err)
	}
}

func TestEnsureUpMissingCheckout(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	err := EnsureUp(context.Background(), c, LaunchConfig{Dir: t.TempDir()}, time.Second)
	if err == nil {
		t.Fatalf("expected error when main.py is missing")
	}
}
