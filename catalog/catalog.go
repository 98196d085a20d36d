// Package catalog holds the protocol catalogue: the entity-kind registry,
// the message-code registry with its response map, and the message-model
// registry. All three are populated once by RegisterBuiltins before any
// listener starts and are read concurrently afterwards. Late registration by
// an application module is allowed and uses insert-if-absent semantics:
// re-registering an identical descriptor is a no-op, a conflicting duplicate
// is a startup-fatal error surfaced to the caller.
package catalog

import (
	"errors"
	"sync"
)

var (
	// ErrConflictingRegistration indicates a duplicate registration whose
	// metadata differs from the already registered descriptor.
	ErrConflictingRegistration = errors.New("catalog: conflicting duplicate registration")
	// ErrUnknownCode indicates a message code value with no registration.
	ErrUnknownCode = errors.New("catalog: unknown message code")
	// ErrUnknownKind indicates an entity-kind value with no registration.
	ErrUnknownKind = errors.New("catalog: unknown entity kind")
)

// Catalog bundles the three protocol registries.
type Catalog struct {
	mu sync.RWMutex

	kinds     map[byte]EntityKind
	codes     map[byte]MessageCode
	responses map[byte][]byte
	models    map[byte]MessageModel
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		kinds:     make(map[byte]EntityKind),
		codes:     make(map[byte]MessageCode),
		responses: make(map[byte][]byte),
		models:    make(map[byte]MessageModel),
	}
}
