package catalog

import (
	"fmt"
	"sort"
)

// MessageCode describes one named protocol message code.
//
// The name carries the wire-visible naming convention verbatim
// (REQUIRES_RESPONSE, CLIENT_INITIATED, SERVER_REPLY, TARGETED, BROADCAST)
// because peers display it, but protocol logic must read the explicit
// semantic fields instead of parsing the name.
type MessageCode struct {
	Name             string
	Value            byte
	RequiresResponse bool
	ClientInitiated  bool
	ServerReply      bool
	Broadcast        bool
}

// Targeted reports whether the code addresses a single peer.
func (m MessageCode) Targeted() bool { return !m.Broadcast }

// RegisterCode inserts a message code. Registering the identical descriptor
// again is a no-op; a different descriptor under the same value fails with
// ErrConflictingRegistration.
func (c *Catalog) RegisterCode(code MessageCode) error {
	if code.Name == "" {
		return fmt.Errorf("catalog: message code %d has no name", code.Value)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.codes[code.Value]; ok {
		if existing == code {
			return nil
		}
		return fmt.Errorf("%w: message code value %d already bound to %q", ErrConflictingRegistration, code.Value, existing.Name)
	}
	c.codes[code.Value] = code
	return nil
}

// SetValidResponses binds the set of legal reply codes to a request code.
// The request code must already be registered and must require a response.
func (c *Catalog) SetValidResponses(request byte, responses ...byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	code, ok := c.codes[request]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownCode, request)
	}
	if !code.RequiresResponse {
		return fmt.Errorf("catalog: message code %q does not require a response", code.Name)
	}
	c.responses[request] = append([]byte(nil), responses...)
	return nil
}

// CodeByValue looks up a message code by its byte value.
func (c *Catalog) CodeByValue(value byte) (MessageCode, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	code, ok := c.codes[value]
	if !ok {
		return MessageCode{}, fmt.Errorf("%w: %d", ErrUnknownCode, value)
	}
	return code, nil
}

// ValidResponses returns the reply codes that are legal answers to the given
// request code. The result is empty for codes that do not require a
// response.
func (c *Catalog) ValidResponses(request byte) []MessageCode {
	c.mu.RLock()
	defer c.mu.RUnlock()

	values, ok := c.responses[request]
	if !ok {
		return nil
	}
	out := make([]MessageCode, 0, len(values))
	for _, v := range values {
		if code, ok := c.codes[v]; ok {
			out = append(out, code)
		}
	}
	return out
}

// AllCodes returns every registered message code ordered by value.
func (c *Catalog) AllCodes() []MessageCode {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]MessageCode, 0, len(c.codes))
	for _, code := range c.codes {
		out = append(out, code)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}
