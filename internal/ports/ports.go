// Package ports hands out backend ports from the reserved range,
// consulting both persisted configs and the live OS socket table.
package ports

import (
	"fmt"
	"net"
	"time"
)

const (
	// RangeStart..RangeEnd is the pool backends are allocated from. The
	// router and admin services live below it.
	RangeStart = 9000
	RangeEnd   = 9999
)

// UsedPortSource reports every port persisted state has claimed.
// Satisfied by *state.Store.
type UsedPortSource interface {
	UsedPorts() map[int]bool
}

// Allocator issues ports. It holds no state of its own: persisted configs
// are the source of truth, and a bind probe catches anything else holding
// the socket.
type Allocator struct {
	source UsedPortSource
	// Base is the low end of the scan range. The global config's
	// defaultPortBase moves it; values below 1024 fall back to RangeStart.
	Base int
	// probe can be swapped in tests; defaults to a real TCP bind.
	probe func(port int) bool
}

func NewAllocator(source UsedPortSource) *Allocator {
	return &Allocator{source: source, Base: RangeStart, probe: bindProbe}
}

// FindAvailable returns the first free port in the scan range.
func (a *Allocator) FindAvailable() (int, error) {
	base := a.Base
	if base < 1024 {
		base = RangeStart
	}
	used := a.source.UsedPorts()
	for port := base; port <= RangeEnd; port++ {
		if used[port] {
			continue
		}
		if !a.probe(port) {
			continue
		}
		return port, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d", base, RangeEnd)
}

// Validate checks a requested port for an update. current is the port the
// backend already owns; asking for it again short-circuits the
// availability check.
func (a *Allocator) Validate(port, current int) error {
	if port < 1024 || port > 65535 {
		return fmt.Errorf("port %d out of range 1024-65535", port)
	}
	if port == current {
		return nil
	}
	if a.source.UsedPorts()[port] {
		return fmt.Errorf("port %d already in use", port)
	}
	if !a.probe(port) {
		return fmt.Errorf("port %d is bound by another process", port)
	}
	return nil
}

// bindProbe confirms nothing on the host currently holds the port.
func bindProbe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// WaitForOpen polls until the port accepts a TCP connection or the
// timeout elapses. Used by the lifecycle engine's startup verification.
func WaitForOpen(host string, port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return true
		}
		time.Sleep(250 * time.Millisecond)
	}
	return false
}

// WaitForClosed polls until nothing accepts on the port or the timeout
// elapses.
func WaitForClosed(host string, port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
		if err != nil {
			return true
		}
		conn.Close()
		time.Sleep(250 * time.Millisecond)
	}
	return false
}
