// Package network carries the GTNet wire protocol: length-prefixed JSON
// envelopes over TCP, the inbound dispatch handler with the handshake state
// machine, and the delivery worker that drains pending message attempts.
package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"gtnet/catalog"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (4 MB). A
	// lastprice batch of a few hundred instruments stays far below this.
	MaxFrameSize = 4 * 1024 * 1024
	// DefaultDialTimeout bounds the TCP dial of one exchange.
	DefaultDialTimeout = 10 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultPeerPort is assumed when a peer domain carries no port.
	DefaultPeerPort = 9944
)

var (
	// ErrFrameTooLarge indicates a payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrNoResponse indicates the remote side closed without replying to a
	// request that requires a response.
	ErrNoResponse = errors.New("network: no response received")
)

// Envelope is the wire unit of one protocol message. Payload holds the
// JSON-serialized model registered for the message code; InReplyTo carries
// the correlation id on replies.
type Envelope struct {
	ID           string          `json:"id"`
	InReplyTo    string          `json:"in_reply_to,omitempty"`
	SourceDomain string          `json:"source_domain"`
	MessageCode  byte            `json:"message_code"`
	Timestamp    int64           `json:"timestamp"`
	Note         string          `json:"note,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an outbound envelope with a fresh id. A nil payload
// produces a parameterless message.
func NewEnvelope(sourceDomain string, code byte, payload any) (Envelope, error) {
	env := Envelope{
		ID:           uuid.NewString(),
		SourceDomain: sourceDomain,
		MessageCode:  code,
		Timestamp:    time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload for code %d: %w", code, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// Reply builds the response envelope to a request, correlated through
// InReplyTo.
func (e Envelope) Reply(sourceDomain string, code byte, payload any) (Envelope, error) {
	reply, err := NewEnvelope(sourceDomain, code, payload)
	if err != nil {
		return Envelope{}, err
	}
	reply.InReplyTo = e.ID
	return reply, nil
}

// DecodePayload constructs the payload model registered for the envelope's
// message code and unmarshals into it. Parameterless messages yield nil.
func (e Envelope) DecodePayload(c *catalog.Catalog) (any, error) {
	model, err := c.ModelByCode(e.MessageCode)
	if err != nil {
		return nil, err
	}
	if model.New == nil {
		return nil, nil
	}

	payload := model.New()
	if len(e.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(e.Payload, payload); err != nil {
		return nil, fmt.Errorf("decode payload for code %d: %w", e.MessageCode, err)
	}
	return payload, nil
}

// EncodeEnvelope marshals an envelope to its frame payload.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope unmarshals a frame payload into an envelope.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.SourceDomain == "" {
		return Envelope{}, errors.New("network: envelope has no source domain")
	}
	return env, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame under an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// PeerAddress turns a peer domain into a dialable TCP address. A domain
// without an explicit port gets DefaultPeerPort.
func PeerAddress(domain string) string {
	if _, _, err := net.SplitHostPort(domain); err == nil {
		return domain
	}
	if strings.Contains(domain, ":") {
		// Bare IPv6 literal.
		return fmt.Sprintf("[%s]:%d", domain, DefaultPeerPort)
	}
	return fmt.Sprintf("%s:%d", domain, DefaultPeerPort)
}
