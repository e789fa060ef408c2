package probe

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// ErrTimeout marks a probe that did not complete within its deadline.
var ErrTimeout = errors.New("probe timeout")

// Func is the probe contract injected into node runners.
// Params: context, endpoint address fields, dial deadline, and TLS flag.
// Returns: connect latency or classified probe error.
type Func func(ctx context.Context, host string, port int, timeout time.Duration, useTLS bool) (time.Duration, error)

// Probe performs one reachability check against host:port.
// Params: context, endpoint address fields, dial deadline, and TLS flag.
// Returns: time until the connection (or TLS handshake) completed.
//
// Certificate validation is disabled on purpose: the check answers
// "is something listening", not "is the certificate trusted".
func Probe(ctx context.Context, host string, port int, timeout time.Duration, useTLS bool) (time.Duration, error) {
	address := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: timeout}

	dialCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()

	if useTLS {
		tlsDialer := &tls.Dialer{
			NetDialer: dialer,
			Config:    &tls.Config{InsecureSkipVerify: true},
		}
		conn, err := tlsDialer.DialContext(dialCtx, "tcp", address)
		if err != nil {
			return 0, classify(address, err)
		}
		_ = conn.Close()
		return time.Since(started), nil
	}

	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return 0, classify(address, err)
	}
	_ = conn.Close()
	return time.Since(started), nil
}

// classify converts transport dial errors into the probe error taxonomy.
// Params: dialed address and raw dial error.
// Returns: ErrTimeout-wrapped or connection error with address context.
func classify(address string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("connect %s: %w", address, ErrTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("connect %s: %w", address, ErrTimeout)
	}
	return fmt.Errorf("connect %s: %w", address, err)
}
