package portalloc

import (
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// basePort finds a port with a small free run above it by asking the kernel.
func basePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func TestAllocate_SkipsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	busy := ln.Addr().(*net.TCPAddr).Port
	if busy >= 65535 {
		t.Skip("kernel handed out the last port")
	}

	a := New(5)
	got, err := a.Allocate(busy)
	require.NoError(t, err)
	assert.NotEqual(t, busy, got)
	assert.Greater(t, got, busy)
}

func TestAllocate_ExhaustedBound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	busy := ln.Addr().(*net.TCPAddr).Port

	a := New(1)
	_, err = a.Allocate(busy)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPortAvailable))
}

func TestAllocate_NeverReturnsReservedPort(t *testing.T) {
	base := basePort(t)
	if base > 65000 {
		t.Skip("not enough headroom above kernel port")
	}
	a := New(50)

	var mu sync.Mutex
	seen := map[int]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Allocate(base)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[p] {
				t.Errorf("port %d handed out twice", p)
			}
			seen[p] = true
		}()
	}
	wg.Wait()
	assert.NotEmpty(t, seen)
}

func TestRelease_MakesPortAvailableAgain(t *testing.T) {
	base := basePort(t)
	a := New(1)
	p, err := a.Allocate(base)
	require.NoError(t, err)
	_, err = a.Allocate(base)
	require.ErrorIs(t, err, ErrNoPortAvailable)

	a.Release(p)
	p2, err := a.Allocate(base)
	require.NoError(t, err)
	assert.Equal(t, p, p2)
}

func TestAllocate_InvalidPreferred(t *testing.T) {
	a := New(0)
	for _, p := range []int{0, -1, 70000} {
		if _, err := a.Allocate(p); err == nil {
			t.Fatalf("expected error for preferred port %d", p)
		}
	}
}
