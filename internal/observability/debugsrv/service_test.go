package debugsrv

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"canvasindex/internal/eventbus"
	"canvasindex/internal/reindex"
	logx "canvasindex/pkg/logx"
)

func TestIsLoopbackAddr(t *testing.T) {
	tests := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.1.2.3:80":    false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	for in, want := range map[string]string{"": "/debug/pprof/", "x": "/x/", "/y/": "/y/"} {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHandlerRoutesAndAuth(t *testing.T) {
	var flushed []string
	routes := Routes{
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "m 1\n") }),
		Stats:   func() any { return map[string]int{"entries": 3} },
		Flush: func(ctx context.Context, id string) error {
			flushed = append(flushed, id)
			if id == "bad" {
				return errors.New("boom")
			}
			return nil
		},
	}
	s := New(Config{Enabled: true, Token: "secret", Metrics: true, Pprof: true}, routes, logx.Nop())
	h := s.Handler()

	do := func(method, target, auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, target, nil)
		if auth != "" {
			req.Header.Set("Authorization", "Bearer "+auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("GET", "/healthz", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", rec.Code)
	}
	if rec := do("GET", "/healthz", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d", rec.Code)
	}
	if rec := do("GET", "/healthz?token=secret", ""); rec.Code != http.StatusOK {
		t.Fatalf("query token: status %d", rec.Code)
	}
	if rec := do("GET", "/metrics", "secret"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "m 1") {
		t.Fatalf("metrics: %d %q", rec.Code, rec.Body.String())
	}
	if rec := do("GET", "/stats", "secret"); !strings.Contains(rec.Body.String(), `"entries": 3`) {
		t.Fatalf("stats body = %q", rec.Body.String())
	}
	if rec := do("GET", "/flush", "secret"); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /flush: status %d", rec.Code)
	}
	if rec := do("POST", "/flush?node=a/b", "secret"); rec.Code != http.StatusOK {
		t.Fatalf("POST /flush: status %d", rec.Code)
	}
	if rec := do("POST", "/flush?node=bad", "secret"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("failing flush: status %d", rec.Code)
	}
	if len(flushed) != 2 || flushed[0] != "a/b" {
		t.Fatalf("flushed = %v", flushed)
	}
	if rec := do("GET", "/debug/pprof/", "secret"); rec.Code != http.StatusOK {
		t.Fatalf("pprof index: status %d", rec.Code)
	}
}

func TestHandlerOmitsDisabledRoutes(t *testing.T) {
	s := New(Config{Enabled: true}, Routes{Metrics: http.NotFoundHandler()}, logx.Nop())
	h := s.Handler()
	for _, p := range []string{"/metrics", "/debug/pprof/", "/stats"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", p, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status %d, want 404", p, rec.Code)
		}
	}
}

func TestStartStopServes(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Routes{}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for addr == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		addr = s.Addr()
	}
	if addr == "" {
		t.Fatal("server never bound")
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if s.Supervisor() != nil || s.Addr() != "" {
		t.Fatal("server state not cleared after Stop")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Routes{}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.serveOnce(ctx); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce = %v, want insecure bind error", err)
	}
}

func TestEventsStream(t *testing.T) {
	bus := eventbus.New[reindex.Event]()
	s := New(Config{Enabled: true}, Routes{Events: bus.Subscribe}, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events?node=a")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}

	// The handler subscribes before writing headers, so publishing now is seen.
	bus.Publish(reindex.Event{Type: reindex.EventRunStart, Node: "b"})
	bus.Publish(reindex.Event{Type: reindex.EventRunEnd, Node: "a", Mode: reindex.Full, Duration: 3 * time.Millisecond, Err: errors.New("boom")})

	var got wireEvent
	if err := json.NewDecoder(bufio.NewReader(resp.Body)).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Node != "a" || got.Type != "run:end" || got.Mode != "full" || got.DurationMS != 3 || got.Error != "boom" {
		t.Fatalf("unexpected event: %+v", got)
	}
}
