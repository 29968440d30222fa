// Package portalloc picks free loopback TCP ports for the backend.
package portalloc

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// DefaultAttempts bounds the upward scan from the preferred port.
const DefaultAttempts = 20

var ErrNoPortAvailable = errors.New("no port available")

// Allocator scans upward from a preferred port for one with no listener.
// Ports it has handed out stay reserved until Release, so two allocations in
// the same session never collide even before the backend binds.
type Allocator struct {
	mu       sync.Mutex
	host     string
	attempts int
	reserved map[int]struct{}
}

func New(attempts int) *Allocator {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return &Allocator{host: "127.0.0.1", attempts: attempts, reserved: make(map[int]struct{})}
}

// Allocate returns the first free port in [preferred, preferred+attempts).
func (a *Allocator) Allocate(preferred int) (int, error) {
	if preferred <= 0 || preferred > 65535 {
		return 0, fmt.Errorf("invalid preferred port %d", preferred)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.attempts; i++ {
		port := preferred + i
		if port > 65535 {
			break
		}
		if _, taken := a.reserved[port]; taken {
			continue
		}
		if !a.free(port) {
			continue
		}
		a.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w: tried %d ports from %d", ErrNoPortAvailable, a.attempts, preferred)
}

// Release returns a port to the pool.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.reserved, port)
	a.mu.Unlock()
}

// free probes the port with a transient bind/close.
func (a *Allocator) free(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(a.host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
