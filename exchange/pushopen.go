package exchange

import (
	"log/slog"

	"gtnet/models"
	"gtnet/storage"
)

// PushOpenStrategy serves the detached shared pool and never touches the
// live local instruments. A strictly fresher push overwrites the matched
// pool price in place; a strictly fresher pool entry is emitted back.
// Unmatched records carrying a real last price bootstrap a new pool entry
// and are echoed back. The pool is shared by construction, so no ACL
// gating applies.
type PushOpenStrategy struct {
	store  *storage.Store
	domain string
	logger *slog.Logger
}

func NewPushOpenStrategy(store *storage.Store, domain string, logger *slog.Logger) *PushOpenStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushOpenStrategy{store: store, domain: domain, logger: logger.With("strategy", "push_open")}
}

func (p *PushOpenStrategy) QuerySecurities(requested []models.InstrumentPriceRecord, _ map[int64]struct{}) ([]models.InstrumentPriceRecord, error) {
	var keys []models.SecurityKey
	for _, r := range requested {
		if key, ok := models.SecurityKeyOf(r); ok {
			keys = append(keys, key)
		}
	}

	pooled, err := p.store.PooledSecuritiesByKeys(keys)
	if err != nil {
		return nil, err
	}

	lookup := func(r models.InstrumentPriceRecord) (storage.PooledInstrument, bool) {
		key, ok := models.SecurityKeyOf(r)
		if !ok {
			return storage.PooledInstrument{}, false
		}
		instrument, found := pooled[key]
		return instrument, found
	}
	isRelevant := func(r models.InstrumentPriceRecord) bool { return r.IsSecurity() }

	return p.serve(requested, lookup, isRelevant)
}

func (p *PushOpenStrategy) QueryCurrencypairs(requested []models.InstrumentPriceRecord, _ map[int64]struct{}) ([]models.InstrumentPriceRecord, error) {
	var keys []models.CurrencyKey
	for _, r := range requested {
		if key, ok := models.CurrencyKeyOf(r); ok {
			keys = append(keys, key)
		}
	}

	pooled, err := p.store.PooledCurrencypairsByKeys(keys)
	if err != nil {
		return nil, err
	}

	lookup := func(r models.InstrumentPriceRecord) (storage.PooledInstrument, bool) {
		key, ok := models.CurrencyKeyOf(r)
		if !ok {
			return storage.PooledInstrument{}, false
		}
		instrument, found := pooled[key]
		return instrument, found
	}
	isRelevant := func(r models.InstrumentPriceRecord) bool { return r.IsCurrencypair() }

	return p.serve(requested, lookup, isRelevant)
}

func (p *PushOpenStrategy) serve(
	requested []models.InstrumentPriceRecord,
	lookup func(models.InstrumentPriceRecord) (storage.PooledInstrument, bool),
	isRelevant func(models.InstrumentPriceRecord) bool,
) ([]models.InstrumentPriceRecord, error) {
	var ids []int64
	for _, r := range requested {
		if instrument, ok := lookup(r); ok {
			ids = append(ids, instrument.ID)
		}
	}
	prices, err := p.store.PooledLastpricesByInstrumentIDs(ids)
	if err != nil {
		return nil, err
	}

	result := []models.InstrumentPriceRecord{}
	for _, caller := range requested {
		if !isRelevant(caller) {
			continue
		}

		instrument, found := lookup(caller)
		if found {
			pool, ok := prices[instrument.ID]
			if !ok {
				p.logger.Warn("pool instrument has no price row, skipping", "instrument_id", instrument.ID)
				continue
			}
			switch {
			case newerThan(caller.Timestamp, pool.Timestamp):
				if err := p.store.UpdatePooledLastprice(lastpriceOf(instrument.ID, caller)); err != nil {
					p.logger.Error("pool update failed", "error", err, "instrument_id", instrument.ID)
				}
			case newerThan(pool.Timestamp, caller.Timestamp):
				result = append(result, priceRecord(caller, pool))
			}
			continue
		}

		// First pusher bootstraps the pool entry. Records without a real
		// last price carry nothing worth pooling.
		if caller.Last == nil {
			continue
		}
		_, err := p.store.CreatePooledInstrument(storage.PooledInstrument{
			Isin:            caller.Isin,
			Currency:        caller.Currency,
			ToCurrency:      caller.ToCurrency,
			CreatedByDomain: p.domain,
		}, storage.Lastprice{
			Timestamp: caller.Timestamp,
			Open:      caller.Open,
			High:      caller.High,
			Low:       caller.Low,
			Last:      caller.Last,
			Volume:    caller.Volume,
		})
		if err != nil {
			p.logger.Error("pool bootstrap failed", "error", err, "currency", caller.Currency)
			continue
		}
		result = append(result, caller)
	}
	return result, nil
}
