package connections

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/sqlwarden/pkg/observability"
)

// DefaultProbeTimeout bounds a connectivity probe.
const DefaultProbeTimeout = 5 * time.Second

// Prober checks that a connection's endpoint accepts connections. Secure
// connections must also complete a TLS handshake.
type Prober struct {
	Timeout time.Duration
	// TLSConfig is cloned for secure probes; ServerName defaults to the host.
	TLSConfig *tls.Config
}

// NewProber returns a prober with the given timeout, or DefaultProbeTimeout.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{Timeout: timeout}
}

// Probe dials c. An unreachable endpoint is reported in the result, not as an
// error; the error is for invalid input only.
func (p *Prober) Probe(ctx context.Context, c *Connection) (*ProbeResult, error) {
	if err := validate(c.Name, c.Host, c.Port); err != nil {
		return nil, err
	}

	ctx, span := observability.Tracer().Start(ctx, "connections.Probe",
		trace.WithAttributes(
			attribute.String("net.peer.name", c.Host),
			attribute.Int("net.peer.port", c.Port),
			attribute.Bool("connection.secure", c.Secure),
		))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	conn, err := p.dial(ctx, c)
	latency := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "unreachable")
		return &ProbeResult{Latency: latency, Error: fmt.Errorf("%w: %v", ErrUnreachable, err).Error()}, nil
	}
	conn.Close()

	return &ProbeResult{Reachable: true, Latency: latency}, nil
}

func (p *Prober) dial(ctx context.Context, c *Connection) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.Timeout}
	if !c.Secure {
		return dialer.DialContext(ctx, "tcp", c.Address())
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if p.TLSConfig != nil {
		cfg = p.TLSConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.Host
	}
	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: cfg}
	return tlsDialer.DialContext(ctx, "tcp", c.Address())
}
