package exchange

import (
	"log/slog"

	"gtnet/models"
	"gtnet/storage"
)

// OpenStrategy syncs the caller against the live local instruments in both
// directions. A strictly fresher caller record overwrites the local price
// row; a strictly fresher local row is emitted back, gated by the ACL set.
type OpenStrategy struct {
	store  *storage.Store
	logger *slog.Logger
}

func NewOpenStrategy(store *storage.Store, logger *slog.Logger) *OpenStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenStrategy{store: store, logger: logger.With("strategy", "open")}
}

func (o *OpenStrategy) QuerySecurities(requested []models.InstrumentPriceRecord, sendableIDs map[int64]struct{}) ([]models.InstrumentPriceRecord, error) {
	var keys []models.SecurityKey
	for _, r := range requested {
		if key, ok := models.SecurityKeyOf(r); ok {
			keys = append(keys, key)
		}
	}

	instruments, err := o.store.SecuritiesByKeys(keys)
	if err != nil {
		return nil, err
	}

	matched := make(map[int64]models.InstrumentPriceRecord, len(instruments))
	var ids []int64
	for _, r := range requested {
		key, ok := models.SecurityKeyOf(r)
		if !ok {
			continue
		}
		instrument, ok := instruments[key]
		if !ok {
			continue
		}
		matched[instrument.ID] = r
		ids = append(ids, instrument.ID)
	}

	return o.merge(matched, ids, sendableIDs)
}

func (o *OpenStrategy) QueryCurrencypairs(requested []models.InstrumentPriceRecord, sendableIDs map[int64]struct{}) ([]models.InstrumentPriceRecord, error) {
	var keys []models.CurrencyKey
	for _, r := range requested {
		if key, ok := models.CurrencyKeyOf(r); ok {
			keys = append(keys, key)
		}
	}

	instruments, err := o.store.CurrencypairsByKeys(keys)
	if err != nil {
		return nil, err
	}

	matched := make(map[int64]models.InstrumentPriceRecord, len(instruments))
	var ids []int64
	for _, r := range requested {
		key, ok := models.CurrencyKeyOf(r)
		if !ok {
			continue
		}
		instrument, ok := instruments[key]
		if !ok {
			continue
		}
		matched[instrument.ID] = r
		ids = append(ids, instrument.ID)
	}

	return o.merge(matched, ids, sendableIDs)
}

// merge applies the newer-timestamp-wins rule per matched instrument:
// callers ahead of us get absorbed, instruments where we are ahead get
// emitted. One batched price lookup covers the whole set. A failed write
// drops that instrument only, the rest of the batch proceeds.
func (o *OpenStrategy) merge(matched map[int64]models.InstrumentPriceRecord, ids []int64, sendableIDs map[int64]struct{}) ([]models.InstrumentPriceRecord, error) {
	prices, err := o.store.LastpricesByInstrumentIDs(ids)
	if err != nil {
		return nil, err
	}

	result := []models.InstrumentPriceRecord{}
	for _, id := range ids {
		caller := matched[id]
		local, ok := prices[id]
		if !ok {
			o.logger.Warn("instrument has no price row, skipping", "instrument_id", id)
			continue
		}

		switch {
		case newerThan(caller.Timestamp, local.Timestamp):
			if err := o.store.UpdateLastprices([]storage.Lastprice{lastpriceOf(id, caller)}); err != nil {
				o.logger.Error("absorbing fresher caller record failed", "error", err, "instrument_id", id)
			}
		case newerThan(local.Timestamp, caller.Timestamp):
			if disclosable(id, sendableIDs) {
				result = append(result, priceRecord(caller, local))
			}
		}
	}
	return result, nil
}
