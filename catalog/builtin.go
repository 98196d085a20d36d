package catalog

import (
	"fmt"

	"gtnet/models"
)

// Builtin entity-kind values.
const (
	KindLastprice    byte = 1
	KindHistoryquote byte = 2
	KindInstrument   byte = 3
)

// Builtin message-code values.
const (
	CodeFirstHandshake                byte = 1
	CodeFirstHandshakeAccept          byte = 2
	CodeFirstHandshakeReject          byte = 3
	CodeFirstHandshakeRejectNotInList byte = 4
	CodeDataRequest                   byte = 5
	CodeDataRequestAccept             byte = 6
	CodeDataRequestRejected           byte = 7
	CodeDataRevoke                    byte = 8
	CodeLastpriceExchange             byte = 9
	CodeLastpriceExchangeReply        byte = 10
	CodeMaintenance                   byte = 11
	CodeMaintenanceCancel             byte = 12
	CodeOperationDiscontinued         byte = 13
	CodeOperationDiscontinuedCancel   byte = 14
	CodeOnlineAll                     byte = 15
	CodeOfflineAll                    byte = 16
)

// broadcastRepeat is the retry ceiling for status broadcasts; everything
// else stays single shot.
const broadcastRepeat = 3

var builtinKinds = []EntityKind{
	{Name: "LASTPRICE", Value: KindLastprice, SupportsPush: true, Syncable: true},
	{Name: "HISTORYQUOTE", Value: KindHistoryquote, SupportsPush: false, Syncable: true},
	{Name: "INSTRUMENT", Value: KindInstrument, SupportsPush: false, Syncable: false},
}

var builtinCodes = []MessageCode{
	{Name: "FIRST_HANDSHAKE_TARGETED_REQUIRES_RESPONSE_CLIENT_INITIATED", Value: CodeFirstHandshake, RequiresResponse: true, ClientInitiated: true},
	{Name: "FIRST_HANDSHAKE_ACCEPT_TARGETED_SERVER_REPLY", Value: CodeFirstHandshakeAccept, ServerReply: true},
	{Name: "FIRST_HANDSHAKE_REJECT_TARGETED_SERVER_REPLY", Value: CodeFirstHandshakeReject, ServerReply: true},
	{Name: "FIRST_HANDSHAKE_REJECT_NOT_IN_LIST_TARGETED_SERVER_REPLY", Value: CodeFirstHandshakeRejectNotInList, ServerReply: true},
	{Name: "DATA_REQUEST_TARGETED_REQUIRES_RESPONSE_CLIENT_INITIATED", Value: CodeDataRequest, RequiresResponse: true, ClientInitiated: true},
	{Name: "DATA_REQUEST_ACCEPT_TARGETED_SERVER_REPLY", Value: CodeDataRequestAccept, ServerReply: true},
	{Name: "DATA_REQUEST_REJECTED_TARGETED_SERVER_REPLY", Value: CodeDataRequestRejected, ServerReply: true},
	{Name: "DATA_REVOKE_TARGETED_CLIENT_INITIATED", Value: CodeDataRevoke, ClientInitiated: true},
	{Name: "LASTPRICE_EXCHANGE_TARGETED_REQUIRES_RESPONSE", Value: CodeLastpriceExchange, RequiresResponse: true},
	{Name: "LASTPRICE_EXCHANGE_REPLY_TARGETED_SERVER_REPLY", Value: CodeLastpriceExchangeReply, ServerReply: true},
	{Name: "MAINTENANCE_BROADCAST_CLIENT_INITIATED", Value: CodeMaintenance, ClientInitiated: true, Broadcast: true},
	{Name: "MAINTENANCE_CANCEL_BROADCAST_CLIENT_INITIATED", Value: CodeMaintenanceCancel, ClientInitiated: true, Broadcast: true},
	{Name: "OPERATION_DISCONTINUED_BROADCAST_CLIENT_INITIATED", Value: CodeOperationDiscontinued, ClientInitiated: true, Broadcast: true},
	{Name: "OPERATION_DISCONTINUED_CANCEL_BROADCAST_CLIENT_INITIATED", Value: CodeOperationDiscontinuedCancel, ClientInitiated: true, Broadcast: true},
	{Name: "ONLINE_ALL_BROADCAST", Value: CodeOnlineAll, Broadcast: true},
	{Name: "OFFLINE_ALL_BROADCAST", Value: CodeOfflineAll, Broadcast: true},
}

var builtinModels = []MessageModel{
	{Code: CodeFirstHandshake, New: func() any { return &models.HandshakeRequest{} }, ResponseExpected: true},
	{Code: CodeFirstHandshakeAccept, New: func() any { return &models.HandshakeAccept{} }},
	{Code: CodeFirstHandshakeReject, New: func() any { return &models.HandshakeReject{} }},
	{Code: CodeFirstHandshakeRejectNotInList, New: func() any { return &models.HandshakeReject{} }},
	{Code: CodeDataRequest, New: func() any { return &models.DataRequest{} }, ResponseExpected: true},
	{Code: CodeDataRequestAccept, New: func() any { return &models.DataRequestAccept{} }},
	{Code: CodeDataRequestRejected, New: func() any { return &models.DataRequestRejected{} }},
	{Code: CodeDataRevoke, New: func() any { return &models.DataRevoke{} }},
	{Code: CodeLastpriceExchange, New: func() any { return &models.LastpriceExchange{} }, ResponseExpected: true},
	{Code: CodeLastpriceExchangeReply, New: func() any { return &models.LastpriceExchangeReply{} }},
	{Code: CodeMaintenance, New: func() any { return &models.MaintenanceNotice{} }, RepeatSendAsMany: broadcastRepeat},
	{Code: CodeMaintenanceCancel, RepeatSendAsMany: broadcastRepeat},
	{Code: CodeOperationDiscontinued, New: func() any { return &models.OperationDiscontinued{} }, RepeatSendAsMany: broadcastRepeat},
	{Code: CodeOperationDiscontinuedCancel, RepeatSendAsMany: broadcastRepeat},
	{Code: CodeOnlineAll, RepeatSendAsMany: broadcastRepeat},
	{Code: CodeOfflineAll, RepeatSendAsMany: broadcastRepeat},
}

// RegisterBuiltins populates a catalog with the builtin kinds, codes,
// response map and models. It is called once from process initialization
// before any listener starts.
func RegisterBuiltins(c *Catalog) error {
	for _, kind := range builtinKinds {
		if err := c.RegisterKind(kind); err != nil {
			return fmt.Errorf("register builtin kind %q: %w", kind.Name, err)
		}
	}
	for _, code := range builtinCodes {
		if err := c.RegisterCode(code); err != nil {
			return fmt.Errorf("register builtin code %q: %w", code.Name, err)
		}
	}

	responseMap := map[byte][]byte{
		CodeFirstHandshake:    {CodeFirstHandshakeAccept, CodeFirstHandshakeReject, CodeFirstHandshakeRejectNotInList},
		CodeDataRequest:       {CodeDataRequestAccept, CodeDataRequestRejected},
		CodeLastpriceExchange: {CodeLastpriceExchangeReply},
	}
	for request, responses := range responseMap {
		if err := c.SetValidResponses(request, responses...); err != nil {
			return fmt.Errorf("bind response map for code %d: %w", request, err)
		}
	}

	for _, model := range builtinModels {
		if err := c.RegisterModel(model); err != nil {
			return fmt.Errorf("register builtin model for code %d: %w", model.Code, err)
		}
	}
	return nil
}
