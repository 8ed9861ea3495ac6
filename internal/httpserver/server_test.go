package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/signlink/rtc/internal/config"
)

func newTestServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()
	srv := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), BuildInfo{Commit: "test"})
	srv.ready.Store(true)
	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	for _, path := range []string{"/healthz", "/readyz", "/version"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Fatalf("GET %s content type = %q", path, ct)
		}
		resp.Body.Close()
	}
}

func TestICEHandout(t *testing.T) {
	cfg := config.Config{STUNServers: []string{"stun:stun.example.com:3478"}}
	ts := newTestServer(t, cfg)

	resp, err := http.Get(ts.URL + "/rtc/ice")
	if err != nil {
		t.Fatalf("GET /rtc/ice: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		ICEServers []struct {
			URLs []string `json:"urls"`
		} `json:"iceServers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ICEServers) != 1 || len(body.ICEServers[0].URLs) != 1 ||
		body.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("iceServers = %+v", body.ICEServers)
	}
}

func TestICEOriginGate(t *testing.T) {
	cfg := config.Config{
		STUNServers:    []string{"stun:stun.example.com:3478"},
		AllowedOrigins: []string{"https://app.example.com"},
	}
	ts := newTestServer(t, cfg)

	tests := []struct {
		origin string
		want   int
	}{
		{"", http.StatusOK},
		{"https://app.example.com", http.StatusOK},
		{"https://evil.example.com", http.StatusForbidden},
	}
	for _, tc := range tests {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/rtc/ice", nil)
		if err != nil {
			t.Fatal(err)
		}
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("origin %q: %v", tc.origin, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("origin %q status = %d, want %d", tc.origin, resp.StatusCode, tc.want)
		}
		if tc.origin != "" && tc.want == http.StatusOK {
			if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tc.origin {
				t.Fatalf("allow-origin = %q, want %q", got, tc.origin)
			}
		}
	}
}
