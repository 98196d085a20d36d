package network

import "sync"

// AddressBook maps peer domains to the dialable addresses discovery has
// announced for them. Domains without an announcement fall back to the
// conventional PeerAddress derivation, so the book is always usable as a
// Resolver.
type AddressBook struct {
	mu    sync.RWMutex
	addrs map[string]string
}

// NewAddressBook builds an empty address book.
func NewAddressBook() *AddressBook {
	return &AddressBook{addrs: make(map[string]string)}
}

// Set records the announced address of a domain. Empty domains or
// addresses are ignored.
func (b *AddressBook) Set(domain, addr string) {
	if domain == "" || addr == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrs[domain] = addr
}

// Resolve returns the announced address of a domain when one is known and
// the domain-derived default otherwise. It satisfies Resolver.
func (b *AddressBook) Resolve(domain string) string {
	b.mu.RLock()
	addr, ok := b.addrs[domain]
	b.mu.RUnlock()
	if ok {
		return addr
	}
	return PeerAddress(domain)
}
