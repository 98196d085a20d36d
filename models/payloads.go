package models

// CapabilityInfo is the wire form of one per-kind capability declaration.
type CapabilityInfo struct {
	Kind          byte   `json:"kind"`
	AcceptRequest string `json:"accept_request"`
	ServerState   string `json:"server_state"`
}

// HandshakeRequest opens first contact between two instances.
type HandshakeRequest struct {
	Domain       string           `json:"domain"`
	Timezone     string           `json:"timezone"`
	Capabilities []CapabilityInfo `json:"capabilities"`
}

// HandshakeAccept is the positive handshake reply carrying the responder's
// own identity so both sides can record each other.
type HandshakeAccept struct {
	Domain       string           `json:"domain"`
	Timezone     string           `json:"timezone"`
	Capabilities []CapabilityInfo `json:"capabilities"`
}

// HandshakeReject is the terminal negative handshake reply. The same payload
// shape is used for the policy reject and the not-in-list reject; the message
// code distinguishes them.
type HandshakeReject struct {
	Reason string `json:"reason"`
}

// DataRequest asks a peer to start bulk synchronization for a set of
// entity kinds.
type DataRequest struct {
	Kinds []byte `json:"kinds"`
}

// DataRequestAccept confirms bulk synchronization for the listed kinds.
type DataRequestAccept struct {
	Kinds []byte `json:"kinds"`
}

// DataRequestRejected refuses bulk synchronization.
type DataRequestRejected struct {
	Kinds  []byte `json:"kinds"`
	Reason string `json:"reason"`
}

// DataRevoke cancels a previously accepted exchange for the listed kinds.
// Fire and forget, no reply.
type DataRevoke struct {
	Kinds []byte `json:"kinds"`
}

// MaintenanceNotice announces a maintenance window. A new notice replaces
// any prior open one.
type MaintenanceNotice struct {
	FromTimestamp  int64  `json:"from_timestamp"`
	UntilTimestamp int64  `json:"until_timestamp"`
	Note           string `json:"note,omitempty"`
}

// OperationDiscontinued announces that this instance will stop operating.
type OperationDiscontinued struct {
	EffectiveTimestamp int64  `json:"effective_timestamp"`
	Note               string `json:"note,omitempty"`
}

// LastpriceExchange carries the caller's current view of its instruments,
// split by instrument family.
type LastpriceExchange struct {
	Securities    []InstrumentPriceRecord `json:"securities,omitempty"`
	Currencypairs []InstrumentPriceRecord `json:"currencypairs,omitempty"`
}

// LastpriceExchangeReply returns the records that are newer on the
// responding side than what the caller presented.
type LastpriceExchangeReply struct {
	Securities    []InstrumentPriceRecord `json:"securities,omitempty"`
	Currencypairs []InstrumentPriceRecord `json:"currencypairs,omitempty"`
}
