package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPProbeReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	res := NewTCPProbe("127.0.0.1", addr.Port).Probe(context.Background())
	assert.True(t, res.Reachable)
	assert.Contains(t, res.Message, "accepts connections")
}

func TestTCPProbeUnreachable(t *testing.T) {
	// grab a port and close it so nothing listens there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	res := NewTCPProbe("127.0.0.1", port).WithTimeout(500 * time.Millisecond).Probe(context.Background())
	assert.False(t, res.Reachable)
	assert.Contains(t, res.Message, "connection failed")
}

func TestWaitReadyReturnsOnceReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res := WaitReady(ctx, NewTCPProbe("127.0.0.1", addr.Port), 10*time.Millisecond)
	assert.True(t, res.Reachable)
}

func TestWaitReadyGivesUpOnContextExpiry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	probe := NewTCPProbe("127.0.0.1", port).WithTimeout(50 * time.Millisecond)
	res := WaitReady(ctx, probe, 20*time.Millisecond)
	assert.False(t, res.Reachable)
}

func TestWellKnownProbeTargets(t *testing.T) {
	assert.Equal(t, "10.0.0.5:22", SSHProbe("10.0.0.5").Target())
	assert.Equal(t, "10.0.0.5:6443", APIServerProbe("10.0.0.5").Target())
}
