package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrNoticeAlreadyOpen indicates a second open discontinuation notice
	// was attempted while one is still open.
	ErrNoticeAlreadyOpen = errors.New("storage: an open discontinuation notice already exists")
)

// Server online states of a peer.
const (
	ServerOnlineUnknown = "unknown"
	ServerOnlineOnline  = "online"
	ServerOnlineOffline = "offline"
)

// Accept-request modes of a peer capability.
const (
	AcceptRequestClosed   = "closed"
	AcceptRequestOpen     = "open"
	AcceptRequestPushOpen = "push_open"
)

// Server states of a peer capability.
const (
	ServerStateNone        = "none"
	ServerStateClosed      = "closed"
	ServerStateMaintenance = "maintenance"
	ServerStateOpen        = "open"
)

// Message directions.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Delivery statuses of a message attempt.
const (
	DeliveryStatusPending   = "pending"
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
)

// Notice classes and statuses.
const (
	NoticeClassMaintenance  = "maintenance"
	NoticeClassDiscontinued = "operation_discontinued"

	NoticeStatusOpen       = "open"
	NoticeStatusCanceled   = "canceled"
	NoticeStatusSuperseded = "superseded"
)

// Peer is the durable record of one known remote instance. Peers are never
// hard-deleted, only marked offline.
type Peer struct {
	Domain              string
	Timezone            string
	SpreadCapability    bool
	DailyRequestLimit   *int
	ServerBusy          bool
	ServerOnline        string
	AllowServerCreation bool
	AddedTimestamp      int64
	LastSeenTimestamp   *int64
}

// PeerCapability is one (peer, entity-kind) capability declaration.
type PeerCapability struct {
	PeerDomain    string
	Kind          byte
	AcceptRequest string
	ServerState   string
}

// Message is one append-only protocol exchange record. ReplyToID is the
// correlation back-reference attached to received requests once a reply has
// been produced.
type Message struct {
	MessageID   string
	MessageCode byte
	Direction   string
	PeerDomain  *string
	Timestamp   int64
	Note        string
	Params      string
	ReplyToID   *string
}

// MessageAttempt tracks delivery of one message to one target peer.
type MessageAttempt struct {
	MessageID      string
	TargetDomain   string
	DeliveryStatus string
	AttemptCount   int
	LastAttempt    *int64
}

// Instrument is one locally tracked trading instrument. A row with a
// non-nil Isin is a security; otherwise Currency/ToCurrency form a
// currency pair.
type Instrument struct {
	ID         int64
	Isin       *string
	Currency   string
	ToCurrency *string
}

// Lastprice is the price row of a local or pooled instrument.
type Lastprice struct {
	InstrumentID int64
	Timestamp    *int64
	Open         *float64
	High         *float64
	Low          *float64
	Last         *float64
	Volume       *float64
}

// PooledInstrument is an instance-agnostic instrument identity created
// lazily by the push pool.
type PooledInstrument struct {
	ID               int64
	Isin             *string
	Currency         string
	ToCurrency       *string
	CreatedByDomain  string
	CreatedTimestamp int64
}

// Notice is one maintenance or discontinuation announcement, either issued
// by this instance or received from a peer.
type Notice struct {
	ID               int64
	Class            string
	Domain           string
	Status           string
	FromTimestamp    int64
	UntilTimestamp   *int64
	Note             string
	CreatedTimestamp int64
}

func validateServerOnline(state string) error {
	switch state {
	case ServerOnlineUnknown, ServerOnlineOnline, ServerOnlineOffline:
		return nil
	default:
		return fmt.Errorf("invalid server online state %q", state)
	}
}

func validateAcceptRequest(mode string) error {
	switch mode {
	case AcceptRequestClosed, AcceptRequestOpen, AcceptRequestPushOpen:
		return nil
	default:
		return fmt.Errorf("invalid accept request mode %q", mode)
	}
}

func validateServerState(state string) error {
	switch state {
	case ServerStateNone, ServerStateClosed, ServerStateMaintenance, ServerStateOpen:
		return nil
	default:
		return fmt.Errorf("invalid capability server state %q", state)
	}
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSent, DirectionReceived:
		return nil
	default:
		return fmt.Errorf("invalid message direction %q", direction)
	}
}

func validateNoticeClass(class string) error {
	switch class {
	case NoticeClassMaintenance, NoticeClassDiscontinued:
		return nil
	default:
		return fmt.Errorf("invalid notice class %q", class)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nullInt64FromInt(ptr *int) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ptr), Valid: true}
}

func nullFloat64(ptr *float64) sql.NullFloat64 {
	if ptr == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func intPtrFromNullInt64(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func float64Ptr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
