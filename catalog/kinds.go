package catalog

import (
	"fmt"
	"sort"
)

// EntityKind describes one category of exchangeable data.
//
// Syncable kinds participate in the bulk request/accept/revoke flow;
// non-syncable kinds are on-demand lookup only. Whether a kind is syncable
// is a static property of the kind, never of a peer.
type EntityKind struct {
	Name         string
	Value        byte
	SupportsPush bool
	Syncable     bool
}

// RegisterKind inserts a kind descriptor. Registering the identical
// descriptor again is a no-op; a different descriptor under the same value
// fails with ErrConflictingRegistration.
func (c *Catalog) RegisterKind(kind EntityKind) error {
	if kind.Name == "" {
		return fmt.Errorf("catalog: entity kind %d has no name", kind.Value)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.kinds[kind.Value]; ok {
		if existing == kind {
			return nil
		}
		return fmt.Errorf("%w: entity kind value %d already bound to %q", ErrConflictingRegistration, kind.Value, existing.Name)
	}
	c.kinds[kind.Value] = kind
	return nil
}

// KindByValue looks up a kind descriptor by its byte value.
func (c *Catalog) KindByValue(value byte) (EntityKind, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	kind, ok := c.kinds[value]
	if !ok {
		return EntityKind{}, fmt.Errorf("%w: %d", ErrUnknownKind, value)
	}
	return kind, nil
}

// SyncableKinds returns the syncable subset ordered by value. It is the
// default kind set for bulk synchronization.
func (c *Catalog) SyncableKinds() []EntityKind {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []EntityKind
	for _, kind := range c.kinds {
		if kind.Syncable {
			out = append(out, kind)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// AllKinds returns every registered kind ordered by value.
func (c *Catalog) AllKinds() []EntityKind {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]EntityKind, 0, len(c.kinds))
	for _, kind := range c.kinds {
		out = append(out, kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}
