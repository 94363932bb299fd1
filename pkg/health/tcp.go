package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

const (
	// SSHPort is probed to decide whether a guest has finished booting.
	SSHPort = 22

	// APIServerPort is probed on cloud controllers once the control plane
	// should be answering.
	APIServerPort = 6443

	defaultProbeTimeout = 5 * time.Second
)

// TCPProbe reports whether a guest accepts connections on one port.
type TCPProbe struct {
	addr    string
	timeout time.Duration
}

// NewTCPProbe probes ip:port.
func NewTCPProbe(ip string, port int) *TCPProbe {
	return &TCPProbe{
		addr:    net.JoinHostPort(ip, strconv.Itoa(port)),
		timeout: defaultProbeTimeout,
	}
}

// SSHProbe probes a guest's SSH port.
func SSHProbe(ip string) *TCPProbe {
	return NewTCPProbe(ip, SSHPort)
}

// APIServerProbe probes a cloud controller's API server port.
func APIServerProbe(ip string) *TCPProbe {
	return NewTCPProbe(ip, APIServerPort)
}

// WithTimeout sets the per-attempt connection timeout.
func (t *TCPProbe) WithTimeout(timeout time.Duration) *TCPProbe {
	t.timeout = timeout
	return t
}

func (t *TCPProbe) Target() string {
	return t.addr
}

func (t *TCPProbe) Probe(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return Result{
			Reachable: false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	conn.Close()

	return Result{
		Reachable: true,
		Message:   fmt.Sprintf("%s accepts connections", t.addr),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
