package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gtnet/models"
)

// UpsertSecurity ensures a local security instrument exists and returns its
// id. A fresh instrument gets an empty lastprice row.
func (s *Store) UpsertSecurity(isin, currency string) (int64, error) {
	if isin == "" || currency == "" {
		return 0, errors.New("isin and currency are required")
	}
	return s.upsertInstrument(&isin, currency, nil)
}

// UpsertCurrencypair ensures a local currency-pair instrument exists and
// returns its id.
func (s *Store) UpsertCurrencypair(fromCurrency, toCurrency string) (int64, error) {
	if fromCurrency == "" || toCurrency == "" {
		return 0, errors.New("from and to currency are required")
	}
	return s.upsertInstrument(nil, fromCurrency, &toCurrency)
}

func (s *Store) upsertInstrument(isin *string, currency string, toCurrency *string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var (
		id  int64
		row *sql.Row
	)
	if isin != nil {
		row = tx.QueryRow(s.rebind(
			`SELECT id FROM instruments WHERE isin = ? AND currency = ?`), *isin, currency)
	} else {
		row = tx.QueryRow(s.rebind(
			`SELECT id FROM instruments WHERE isin IS NULL AND currency = ? AND to_currency = ?`), currency, *toCurrency)
	}
	err = row.Scan(&id)
	if err == nil {
		return id, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("lookup instrument: %w", err)
	}

	id, err = s.insertReturningID(tx,
		s.rebind(`INSERT INTO instruments (isin, currency, to_currency) VALUES (?, ?, ?)`),
		nullString(isin), currency, nullString(toCurrency))
	if err != nil {
		return 0, fmt.Errorf("insert instrument: %w", err)
	}
	if _, err := tx.Exec(s.rebind(
		`INSERT INTO instrument_lastprices (instrument_id) VALUES (?)`), id); err != nil {
		return 0, fmt.Errorf("insert empty lastprice row: %w", err)
	}
	return id, tx.Commit()
}

// SecuritiesByKeys resolves a batch of security identities in one query.
func (s *Store) SecuritiesByKeys(keys []models.SecurityKey) (map[models.SecurityKey]Instrument, error) {
	out := make(map[models.SecurityKey]Instrument, len(keys))
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

	rows, err := s.db.Query(s.rebind(
		`SELECT id, isin, currency, to_currency FROM instruments WHERE `+strings.Join(clauses, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("securities by keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		instrument, err := scanInstrument(rows)
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

// CurrencypairsByKeys resolves a batch of currency-pair identities in one
// query.
func (s *Store) CurrencypairsByKeys(keys []models.CurrencyKey) (map[models.CurrencyKey]Instrument, error) {
	out := make(map[models.CurrencyKey]Instrument, len(keys))
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

	rows, err := s.db.Query(s.rebind(
		`SELECT id, isin, currency, to_currency FROM instruments WHERE `+strings.Join(clauses, " OR ")), args...)
	if err != nil {
		return nil, fmt.Errorf("currencypairs by keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		instrument, err := scanInstrument(rows)
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

func scanInstrument(rows *sql.Rows) (Instrument, error) {
	var (
		instrument Instrument
		isin       sql.NullString
		toCurrency sql.NullString
	)
	if err := rows.Scan(&instrument.ID, &isin, &instrument.Currency, &toCurrency); err != nil {
		return Instrument{}, fmt.Errorf("scan instrument: %w", err)
	}
	instrument.Isin = stringPtr(isin)
	instrument.ToCurrency = stringPtr(toCurrency)
	return instrument, nil
}

// InstrumentPrice joins one local instrument with its price row.
type InstrumentPrice struct {
	Instrument Instrument
	Price      Lastprice
}

// ListInstrumentPrices returns every local instrument with its price row in
// one query. It feeds the outbound sync batch.
func (s *Store) ListInstrumentPrices() ([]InstrumentPrice, error) {
	rows, err := s.db.Query(
		`SELECT
			i.id, i.isin, i.currency, i.to_currency,
			p.instrument_id, p.timestamp, p.open, p.high, p.low, p.last, p.volume
		FROM instruments i
		JOIN instrument_lastprices p ON p.instrument_id = i.id
		ORDER BY i.id`)
	if err != nil {
		return nil, fmt.Errorf("list instrument prices: %w", err)
	}
	defer rows.Close()

	var out []InstrumentPrice
	for rows.Next() {
		var (
			e          InstrumentPrice
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
			&e.Price.InstrumentID, &timestamp, &open, &high, &low, &last, &volume,
		)
		if err != nil {
			return nil, fmt.Errorf("scan instrument price: %w", err)
		}
		e.Instrument.Isin = stringPtr(isin)
		e.Instrument.ToCurrency = stringPtr(toCurrency)
		e.Price.Timestamp = int64Ptr(timestamp)
		e.Price.Open = float64Ptr(open)
		e.Price.High = float64Ptr(high)
		e.Price.Low = float64Ptr(low)
		e.Price.Last = float64Ptr(last)
		e.Price.Volume = float64Ptr(volume)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastpricesByInstrumentIDs loads the price rows of a batch of local
// instruments in one query.
func (s *Store) LastpricesByInstrumentIDs(ids []int64) (map[int64]Lastprice, error) {
	return s.lastpricesByIDs("instrument_lastprices", ids)
}

func (s *Store) lastpricesByIDs(table string, ids []int64) (map[int64]Lastprice, error) {
	out := make(map[int64]Lastprice, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.Query(s.rebind(
		`SELECT instrument_id, timestamp, open, high, low, last, volume
		FROM `+table+` WHERE instrument_id IN (`+strings.Join(placeholders, ", ")+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("lastprices by ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		lastprice, err := scanLastprice(rows)
		if err != nil {
			return nil, err
		}
		out[lastprice.InstrumentID] = lastprice
	}
	return out, rows.Err()
}

func scanLastprice(rows *sql.Rows) (Lastprice, error) {
	var (
		lp        Lastprice
		timestamp sql.NullInt64
		open      sql.NullFloat64
		high      sql.NullFloat64
		low       sql.NullFloat64
		last      sql.NullFloat64
		volume    sql.NullFloat64
	)
	if err := rows.Scan(&lp.InstrumentID, &timestamp, &open, &high, &low, &last, &volume); err != nil {
		return Lastprice{}, fmt.Errorf("scan lastprice: %w", err)
	}
	lp.Timestamp = int64Ptr(timestamp)
	lp.Open = float64Ptr(open)
	lp.High = float64Ptr(high)
	lp.Low = float64Ptr(low)
	lp.Last = float64Ptr(last)
	lp.Volume = float64Ptr(volume)
	return lp, nil
}

// UpdateLastprices overwrites the price rows of local instruments in one
// transaction.
func (s *Store) UpdateLastprices(updates []Lastprice) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, lp := range updates {
		if _, err := tx.Exec(s.rebind(
			`UPDATE instrument_lastprices
			SET timestamp = ?, open = ?, high = ?, low = ?, last = ?, volume = ?
			WHERE instrument_id = ?`),
			nullInt64(lp.Timestamp),
			nullFloat64(lp.Open),
			nullFloat64(lp.High),
			nullFloat64(lp.Low),
			nullFloat64(lp.Last),
			nullFloat64(lp.Volume),
			lp.InstrumentID); err != nil {
			return fmt.Errorf("update lastprice for instrument %d: %w", lp.InstrumentID, err)
		}
	}
	return tx.Commit()
}
