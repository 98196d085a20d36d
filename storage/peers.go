package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SavePeer inserts or updates the durable record for one remote instance,
// keyed by domain.
func (s *Store) SavePeer(peer Peer) error {
	if peer.Domain == "" {
		return errors.New("peer domain is required")
	}
	if peer.Timezone == "" {
		peer.Timezone = "UTC"
	}
	if peer.ServerOnline == "" {
		peer.ServerOnline = ServerOnlineUnknown
	}
	if err := validateServerOnline(peer.ServerOnline); err != nil {
		return err
	}
	if peer.AddedTimestamp == 0 {
		peer.AddedTimestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(s.rebind(
		`INSERT INTO peers (
			domain, timezone, spread_capability, daily_request_limit,
			server_busy, server_online, allow_server_creation,
			added_timestamp, last_seen_timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET
			timezone = excluded.timezone,
			spread_capability = excluded.spread_capability,
			daily_request_limit = excluded.daily_request_limit,
			server_busy = excluded.server_busy,
			server_online = excluded.server_online,
			allow_server_creation = excluded.allow_server_creation,
			last_seen_timestamp = excluded.last_seen_timestamp`),
		peer.Domain,
		peer.Timezone,
		boolToInt(peer.SpreadCapability),
		nullInt64FromInt(peer.DailyRequestLimit),
		boolToInt(peer.ServerBusy),
		peer.ServerOnline,
		boolToInt(peer.AllowServerCreation),
		peer.AddedTimestamp,
		nullInt64(peer.LastSeenTimestamp),
	)
	if err != nil {
		return fmt.Errorf("save peer %q: %w", peer.Domain, err)
	}
	return nil
}

const peerColumns = `domain, timezone, spread_capability, daily_request_limit,
	server_busy, server_online, allow_server_creation,
	added_timestamp, last_seen_timestamp`

func scanPeer(row interface{ Scan(...any) error }) (Peer, error) {
	var (
		peer       Peer
		spread     int
		busy       int
		allow      int
		dailyLimit sql.NullInt64
		lastSeen   sql.NullInt64
	)
	err := row.Scan(
		&peer.Domain,
		&peer.Timezone,
		&spread,
		&dailyLimit,
		&busy,
		&peer.ServerOnline,
		&allow,
		&peer.AddedTimestamp,
		&lastSeen,
	)
	if err != nil {
		return Peer{}, err
	}
	peer.SpreadCapability = spread != 0
	peer.ServerBusy = busy != 0
	peer.AllowServerCreation = allow != 0
	peer.DailyRequestLimit = intPtrFromNullInt64(dailyLimit)
	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	return peer, nil
}

// GetPeer returns one peer by domain.
func (s *Store) GetPeer(domain string) (Peer, error) {
	if domain == "" {
		return Peer{}, errors.New("peer domain is required")
	}

	row := s.db.QueryRow(s.rebind(
		`SELECT `+peerColumns+` FROM peers WHERE domain = ?`), domain)
	peer, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Peer{}, fmt.Errorf("peer %q: %w", domain, ErrNotFound)
	}
	if err != nil {
		return Peer{}, fmt.Errorf("get peer %q: %w", domain, err)
	}
	return peer, nil
}

// ListPeers returns every known peer ordered by domain.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT ` + peerColumns + ` FROM peers ORDER BY domain`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		peers = append(peers, peer)
	}
	return peers, rows.Err()
}

// SetPeerOnlineState updates the server-online state of one peer.
func (s *Store) SetPeerOnlineState(domain, state string) error {
	if err := validateServerOnline(state); err != nil {
		return err
	}

	res, err := s.db.Exec(s.rebind(
		`UPDATE peers SET server_online = ?, last_seen_timestamp = ? WHERE domain = ?`),
		state, nowUnixMilli(), domain)
	if err != nil {
		return fmt.Errorf("set peer %q online state: %w", domain, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("peer %q: %w", domain, ErrNotFound)
	}
	return nil
}

// SetPeerBusy updates the server-busy flag of one peer.
func (s *Store) SetPeerBusy(domain string, busy bool) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE peers SET server_busy = ? WHERE domain = ?`),
		boolToInt(busy), domain)
	if err != nil {
		return fmt.Errorf("set peer %q busy: %w", domain, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("peer %q: %w", domain, ErrNotFound)
	}
	return nil
}

// TouchPeerSeen records when a peer was last heard from.
func (s *Store) TouchPeerSeen(domain string) error {
	_, err := s.db.Exec(s.rebind(
		`UPDATE peers SET last_seen_timestamp = ? WHERE domain = ?`),
		nowUnixMilli(), domain)
	if err != nil {
		return fmt.Errorf("touch peer %q: %w", domain, err)
	}
	return nil
}
