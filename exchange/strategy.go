// Package exchange implements the two lastprice merge strategies. The open
// strategy syncs the caller's view against the live local instruments in
// both directions; the push-open strategy serves a detached shared pool
// that bootstraps itself from the first pusher.
package exchange

import (
	"log/slog"

	"gtnet/models"
	"gtnet/storage"
)

// Strategy answers one lastprice exchange batch. sendableIDs restricts
// which instrument ids may be disclosed to the caller; an empty set means
// no restriction.
type Strategy interface {
	QuerySecurities(requested []models.InstrumentPriceRecord, sendableIDs map[int64]struct{}) ([]models.InstrumentPriceRecord, error)
	QueryCurrencypairs(requested []models.InstrumentPriceRecord, sendableIDs map[int64]struct{}) ([]models.InstrumentPriceRecord, error)
}

// ForAcceptMode selects the strategy matching a peer's declared accept
// mode. CLOSED yields nil: there is nothing to exchange. localDomain is
// recorded as the creator of pool entries bootstrapped by the push-open
// strategy.
func ForAcceptMode(mode string, store *storage.Store, localDomain string, logger *slog.Logger) Strategy {
	switch mode {
	case storage.AcceptRequestOpen:
		return NewOpenStrategy(store, logger)
	case storage.AcceptRequestPushOpen:
		return NewPushOpenStrategy(store, localDomain, logger)
	default:
		return nil
	}
}

func disclosable(id int64, sendableIDs map[int64]struct{}) bool {
	if len(sendableIDs) == 0 {
		return true
	}
	_, ok := sendableIDs[id]
	return ok
}

// newerThan reports whether a is strictly fresher than b. A nil timestamp
// means "no data" and loses against any real one; two nil or two equal
// timestamps are inert.
func newerThan(a, b *int64) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return *a > *b
}

func priceRecord(identity models.InstrumentPriceRecord, lp storage.Lastprice) models.InstrumentPriceRecord {
	return models.InstrumentPriceRecord{
		Isin:       identity.Isin,
		Currency:   identity.Currency,
		ToCurrency: identity.ToCurrency,
		Timestamp:  lp.Timestamp,
		Open:       lp.Open,
		High:       lp.High,
		Low:        lp.Low,
		Last:       lp.Last,
		Volume:     lp.Volume,
	}
}

func lastpriceOf(instrumentID int64, r models.InstrumentPriceRecord) storage.Lastprice {
	return storage.Lastprice{
		InstrumentID: instrumentID,
		Timestamp:    r.Timestamp,
		Open:         r.Open,
		High:         r.High,
		Low:          r.Low,
		Last:         r.Last,
		Volume:       r.Volume,
	}
}
