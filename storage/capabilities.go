package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertCapability inserts or replaces one (peer, kind) capability.
func (s *Store) UpsertCapability(capability PeerCapability) error {
	if capability.PeerDomain == "" {
		return errors.New("capability peer domain is required")
	}
	if capability.AcceptRequest == "" {
		capability.AcceptRequest = AcceptRequestClosed
	}
	if capability.ServerState == "" {
		capability.ServerState = ServerStateNone
	}
	if err := validateAcceptRequest(capability.AcceptRequest); err != nil {
		return err
	}
	if err := validateServerState(capability.ServerState); err != nil {
		return err
	}

	_, err := s.db.Exec(s.rebind(
		`INSERT INTO peer_capabilities (peer_domain, kind, accept_request, server_state)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (peer_domain, kind) DO UPDATE SET
			accept_request = excluded.accept_request,
			server_state = excluded.server_state`),
		capability.PeerDomain, capability.Kind, capability.AcceptRequest, capability.ServerState)
	if err != nil {
		return fmt.Errorf("upsert capability (%q, %d): %w", capability.PeerDomain, capability.Kind, err)
	}
	return nil
}

// CapabilitiesForPeer returns all capability declarations of one peer
// ordered by kind.
func (s *Store) CapabilitiesForPeer(domain string) ([]PeerCapability, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT peer_domain, kind, accept_request, server_state
		FROM peer_capabilities WHERE peer_domain = ? ORDER BY kind`), domain)
	if err != nil {
		return nil, fmt.Errorf("capabilities for %q: %w", domain, err)
	}
	defer rows.Close()

	var caps []PeerCapability
	for rows.Next() {
		var capability PeerCapability
		if err := rows.Scan(&capability.PeerDomain, &capability.Kind, &capability.AcceptRequest, &capability.ServerState); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		caps = append(caps, capability)
	}
	return caps, rows.Err()
}

// CapabilityFor returns the capability of one peer for one entity kind.
// A missing row means the kind is closed for that peer.
func (s *Store) CapabilityFor(domain string, kind byte) (PeerCapability, error) {
	row := s.db.QueryRow(s.rebind(
		`SELECT peer_domain, kind, accept_request, server_state
		FROM peer_capabilities WHERE peer_domain = ? AND kind = ?`), domain, kind)

	var capability PeerCapability
	err := row.Scan(&capability.PeerDomain, &capability.Kind, &capability.AcceptRequest, &capability.ServerState)
	if errors.Is(err, sql.ErrNoRows) {
		return PeerCapability{}, fmt.Errorf("capability (%q, %d): %w", domain, kind, ErrNotFound)
	}
	if err != nil {
		return PeerCapability{}, fmt.Errorf("capability (%q, %d): %w", domain, kind, err)
	}
	return capability, nil
}

// RemoveCapabilities deletes the capability rows for the given kinds of one
// peer. Used when a peer revokes a previously accepted exchange.
func (s *Store) RemoveCapabilities(domain string, kinds []byte) error {
	if len(kinds) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, kind := range kinds {
		if _, err := tx.Exec(s.rebind(
			`DELETE FROM peer_capabilities WHERE peer_domain = ? AND kind = ?`),
			domain, kind); err != nil {
			return fmt.Errorf("remove capability (%q, %d): %w", domain, kind, err)
		}
	}
	return tx.Commit()
}
