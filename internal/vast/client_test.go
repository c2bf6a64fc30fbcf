package vast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// testClient points a real client at a test server with fast retry timing.
func testClient(srvURL string) *Client {
	c := NewClient("test-key")
	c.apiBase = srvURL
	c.httpc.rateLimiter = NewRateLimiter(100000)
	c.httpc.retryConfig.InitialDelay = time.Millisecond
	c.httpc.retryConfig.MaxDelay = 5 * time.Millisecond
	return c
}

func TestSearchOffers(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/bundles/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"offers": [{"id": 1, "gpu_name": "RTX 4090", "dph": 0.4}]}`))
	}))
	defer srv.Close()

	offers, err := testClient(srv.URL).SearchOffers(context.Background(),
		map[string]any{"gpu_name": map[string]any{"eq": "RTX 4090"}})
	if err != nil {
		t.Fatalf("SearchOffers failed: %v", err)
	}
	if len(offers) != 1 || offers[0].GPUName != "RTX 4090" {
		t.Fatalf("unexpected offers: %+v", offers)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("missing bearer auth, got %q", gotAuth)
	}
	if _, ok := gotBody["q"]; !ok {
		t.Errorf("query not wrapped in q field")
	}
}

func TestSearchOffersMissingKey(t *testing.T) {
	c := NewClient("")
	_, err := c.SearchOffers(context.Background(), map[string]any{})
	if err == nil || !strings.Contains(err.Error(), "VAST_API_KEY") {
		t.Fatalf("expected missing-key error, got %v", err)
	}
}

func TestCreateInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/asks/42/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["image"] != "img:latest" || body["runtype"] != "ssh" {
			t.Errorf("unexpected create body: %v", body)
		}
		w.Write([]byte(`{"success": true, "new_contract": 777}`))
	}))
	defer srv.Close()

	id, err := testClient(srv.URL).CreateInstance(context.Background(), 42,
		CreateRequest{Label: "run", Image: "img:latest", DiskGB: 40})
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	if id != 777 {
		t.Errorf("expected contract 777, got %d", id)
	}
}

func TestCreateInstanceRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false}`))
	}))
	defer srv.Close()
	if _, err := testClient(srv.URL).CreateInstance(context.Background(), 1, CreateRequest{}); err == nil {
		t.Fatalf("expected error for unaccepted offer")
	}
}

func TestListAndDestroyInstances(t *testing.T) {
	var destroyed string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			destroyed = r.URL.Path
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"instances": [{"id": 7, "label": "run", "actual_status": "running", "ssh_host": "sshN.vast.ai", "ssh_port": 2200}]}`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	instances, err := c.ListInstances(context.Background())
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(instances) != 1 || instances[0].SSHHost != "sshN.vast.ai" {
		t.Fatalf("unexpected instances: %+v", instances)
	}
	if err := c.DestroyInstance(context.Background(), 7); err != nil {
		t.Fatalf("DestroyInstance failed: %v", err)
	}
	if destroyed != "/instances/7/" {
		t.Errorf("unexpected destroy path %s", destroyed)
	}
}

func TestRetryOnServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"offers": []}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).SearchOffers(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestAPIErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "invalid key"}`))
	}))
	defer srv.Close()
	_, err := testClient(srv.URL).SearchOffers(context.Background(), map[string]any{})
	if err == nil || !strings.Contains(err.Error(), "invalid key") {
		t.Fatalf("expected error body surfaced, got %v", err)
	}
}
