package probe

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	_, p, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	n, _ := strconv.Atoi(p)
	return n
}

func TestWaitUntilReady_AfterNon200(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DefaultPath {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(Config{Host: "127.0.0.1", Interval: 5 * time.Millisecond, MaxAttempts: 10}, nil)
	if err := p.WaitUntilReady(context.Background(), portOf(t, srv)); err != nil {
		t.Fatalf("expected ready, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Fatalf("hits = %d, want 3", got)
	}
}

func TestWaitUntilReady_TimeoutWhenNothingListens(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	p := New(Config{Host: "127.0.0.1", Interval: 5 * time.Millisecond, MaxAttempts: 3}, nil)
	start := time.Now()
	err = p.WaitUntilReady(context.Background(), port)
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Fatalf("expected ErrReadinessTimeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("probe exceeded its bound")
	}
}

func TestWaitUntilReady_ContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	p := New(Config{Host: "127.0.0.1", Interval: 10 * time.Millisecond, MaxAttempts: 1000}, nil)
	err := p.WaitUntilReady(ctx, portOf(t, srv))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
