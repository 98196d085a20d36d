package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// Transport sends envelopes to a remote GTNet instance. The delivery worker
// and the lifecycle coordinator depend on this interface so tests can
// substitute the dialing client.
type Transport interface {
	// Send transmits one envelope fire-and-forget.
	Send(ctx context.Context, addr string, env Envelope) error
	// Exchange transmits one envelope and waits for the single reply frame.
	Exchange(ctx context.Context, addr string, env Envelope) (Envelope, error)
	// Check probes plain TCP reachability of a peer.
	Check(ctx context.Context, addr string) error
}

// ClientOptions tune the dialing client.
type ClientOptions struct {
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

// Client dials one connection per exchange. GTNet traffic is sparse enough
// that connection pooling buys nothing.
type Client struct {
	options ClientOptions
}

// NewClient creates a dialing client with defaults applied.
func NewClient(options ClientOptions) *Client {
	return &Client{options: options.withDefaults()}
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.options.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", addr, err)
	}
	return conn, nil
}

// Send writes one envelope and closes the connection.
func (c *Client) Send(ctx context.Context, addr string, env Envelope) error {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	payload, err := EncodeEnvelope(env)
	if err != nil {
		return err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("send to %q: %w", addr, err)
	}
	return nil
}

// Exchange writes one envelope and reads the single reply frame.
func (c *Client) Exchange(ctx context.Context, addr string, env Envelope) (Envelope, error) {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return Envelope{}, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	payload, err := EncodeEnvelope(env)
	if err != nil {
		return Envelope{}, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return Envelope{}, fmt.Errorf("send to %q: %w", addr, err)
	}

	replyPayload, err := ReadFrameWithTimeout(conn, c.options.ReadTimeout)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	reply, err := DecodeEnvelope(replyPayload)
	if err != nil {
		return Envelope{}, err
	}
	return reply, nil
}

// Check dials and immediately closes, probing reachability.
func (c *Client) Check(ctx context.Context, addr string) error {
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
