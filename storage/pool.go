package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gtnet/models"
)

// PooledSecuritiesByKeys resolves a batch of pool security identities in
// one query.
func (s *Store) PooledSecuritiesByKeys(keys []models.SecurityKey) (map[models.SecurityKey]PooledInstrument, error) {
	out := make(map[models.SecurityKey]PooledInstrument, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var (
		clauses []string
		args    []any
	)
	for _, key := range keys {
		clauses = append(clauses, "(isin = ? AND currency = ?)")
		args = append(args, key.Isin, key.Currency)
	}

	rows, err := s.db.Query(s.rebind(pooledInstrumentSelect+` WHERE `+strings.Join(clauses, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("pooled securities by keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		instrument, err := scanPooledInstrument(rows)
		if err != nil {
			return nil, err
		}
		if instrument.Isin == nil {
			continue
		}
		out[models.SecurityKey{Isin: *instrument.Isin, Currency: instrument.Currency}] = instrument
	}
	return out, rows.Err()
}

// PooledCurrencypairsByKeys resolves a batch of pool currency-pair
// identities in one query.
func (s *Store) PooledCurrencypairsByKeys(keys []models.CurrencyKey) (map[models.CurrencyKey]PooledInstrument, error) {
	out := make(map[models.CurrencyKey]PooledInstrument, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	var (
		clauses []string
		args    []any
	)
	for _, key := range keys {
		clauses = append(clauses, "(isin IS NULL AND currency = ? AND to_currency = ?)")
		args = append(args, key.FromCurrency, key.ToCurrency)
	}

	rows, err := s.db.Query(s.rebind(pooledInstrumentSelect+` WHERE `+strings.Join(clauses, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("pooled currencypairs by keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		instrument, err := scanPooledInstrument(rows)
		if err != nil {
			return nil, err
		}
		if instrument.ToCurrency == nil {
			continue
		}
		out[models.CurrencyKey{FromCurrency: instrument.Currency, ToCurrency: *instrument.ToCurrency}] = instrument
	}
	return out, rows.Err()
}

const pooledInstrumentSelect = `SELECT id, isin, currency, to_currency, created_by_domain, created_timestamp
	FROM pooled_instruments`

func scanPooledInstrument(rows *sql.Rows) (PooledInstrument, error) {
	var (
		instrument PooledInstrument
		isin       sql.NullString
		toCurrency sql.NullString
	)
	if err := rows.Scan(&instrument.ID, &isin, &instrument.Currency, &toCurrency, &instrument.CreatedByDomain, &instrument.CreatedTimestamp); err != nil {
		return PooledInstrument{}, fmt.Errorf("scan pooled instrument: %w", err)
	}
	instrument.Isin = stringPtr(isin)
	instrument.ToCurrency = stringPtr(toCurrency)
	return instrument, nil
}

// PooledLastpricesByInstrumentIDs loads the pool price rows of a batch of
// pool instruments in one query.
func (s *Store) PooledLastpricesByInstrumentIDs(ids []int64) (map[int64]Lastprice, error) {
	return s.lastpricesByIDs("pooled_lastprices", ids)
}

// CreatePooledInstrument atomically creates one pool instrument with its
// price row, attributed to the pushing instance. The assigned id is
// returned.
func (s *Store) CreatePooledInstrument(instrument PooledInstrument, price Lastprice) (int64, error) {
	if instrument.CreatedByDomain == "" {
		return 0, errors.New("created_by_domain is required")
	}
	if instrument.Currency == "" {
		return 0, errors.New("currency is required")
	}
	if instrument.CreatedTimestamp == 0 {
		instrument.CreatedTimestamp = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := s.insertReturningID(tx,
		s.rebind(`INSERT INTO pooled_instruments (isin, currency, to_currency, created_by_domain, created_timestamp)
		VALUES (?, ?, ?, ?, ?)`),
		nullString(instrument.Isin),
		instrument.Currency,
		nullString(instrument.ToCurrency),
		instrument.CreatedByDomain,
		instrument.CreatedTimestamp)
	if err != nil {
		return 0, fmt.Errorf("insert pooled instrument: %w", err)
	}

	if _, err := tx.Exec(s.rebind(
		`INSERT INTO pooled_lastprices (instrument_id, timestamp, open, high, low, last, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		id,
		nullInt64(price.Timestamp),
		nullFloat64(price.Open),
		nullFloat64(price.High),
		nullFloat64(price.Low),
		nullFloat64(price.Last),
		nullFloat64(price.Volume)); err != nil {
		return 0, fmt.Errorf("insert pooled lastprice: %w", err)
	}
	return id, tx.Commit()
}

// UpdatePooledLastprice overwrites one pool price row in place.
func (s *Store) UpdatePooledLastprice(lp Lastprice) error {
	res, err := s.db.Exec(s.rebind(
		`UPDATE pooled_lastprices
		SET timestamp = ?, open = ?, high = ?, low = ?, last = ?, volume = ?
		WHERE instrument_id = ?`),
		nullInt64(lp.Timestamp),
		nullFloat64(lp.Open),
		nullFloat64(lp.High),
		nullFloat64(lp.Low),
		nullFloat64(lp.Last),
		nullFloat64(lp.Volume),
		lp.InstrumentID)
	if err != nil {
		return fmt.Errorf("update pooled lastprice for instrument %d: %w", lp.InstrumentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("pooled lastprice %d: %w", lp.InstrumentID, ErrNotFound)
	}
	return nil
}

// PooledEntry joins one pool instrument with its price row for read
// projections.
type PooledEntry struct {
	Instrument PooledInstrument
	Price      Lastprice
}

// ListPool returns the whole push pool ordered by instrument id.
func (s *Store) ListPool() ([]PooledEntry, error) {
	rows, err := s.db.Query(
		`SELECT
			i.id, i.isin, i.currency, i.to_currency, i.created_by_domain, i.created_timestamp,
			p.instrument_id, p.timestamp, p.open, p.high, p.low, p.last, p.volume
		FROM pooled_instruments i
		JOIN pooled_lastprices p ON p.instrument_id = i.id
		ORDER BY i.id`)
	if err != nil {
		return nil, fmt.Errorf("list pool: %w", err)
	}
	defer rows.Close()

	var entries []PooledEntry
	for rows.Next() {
		var (
			e          PooledEntry
			isin       sql.NullString
			toCurrency sql.NullString
			timestamp  sql.NullInt64
			open       sql.NullFloat64
			high       sql.NullFloat64
			low        sql.NullFloat64
			last       sql.NullFloat64
			volume     sql.NullFloat64
		)
		err := rows.Scan(
			&e.Instrument.ID, &isin, &e.Instrument.Currency, &toCurrency,
			&e.Instrument.CreatedByDomain, &e.Instrument.CreatedTimestamp,
			&e.Price.InstrumentID, &timestamp, &open, &high, &low, &last, &volume,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pool entry: %w", err)
		}
		e.Instrument.Isin = stringPtr(isin)
		e.Instrument.ToCurrency = stringPtr(toCurrency)
		e.Price.Timestamp = int64Ptr(timestamp)
		e.Price.Open = float64Ptr(open)
		e.Price.High = float64Ptr(high)
		e.Price.Low = float64Ptr(low)
		e.Price.Last = float64Ptr(last)
		e.Price.Volume = float64Ptr(volume)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
