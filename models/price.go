package models

// InstrumentPriceRecord is the wire unit of a lastprice exchange. A record
// with a non-nil ISIN is a security; a record with a nil ISIN and a non-nil
// ToCurrency is a currency pair. The two forms are mutually exclusive.
//
// A nil Timestamp means the sender has no data for the instrument and is
// asking for whatever the receiving side holds.
type InstrumentPriceRecord struct {
	Isin       *string  `json:"isin,omitempty"`
	Currency   string   `json:"currency"`
	ToCurrency *string  `json:"to_currency,omitempty"`
	Timestamp  *int64   `json:"timestamp,omitempty"`
	Open       *float64 `json:"open,omitempty"`
	High       *float64 `json:"high,omitempty"`
	Low        *float64 `json:"low,omitempty"`
	Last       *float64 `json:"last,omitempty"`
	Volume     *float64 `json:"volume,omitempty"`
}

// IsSecurity reports whether the record identifies a security.
func (r InstrumentPriceRecord) IsSecurity() bool {
	return r.Isin != nil && *r.Isin != ""
}

// IsCurrencypair reports whether the record identifies a currency pair.
func (r InstrumentPriceRecord) IsCurrencypair() bool {
	return !r.IsSecurity() && r.ToCurrency != nil && *r.ToCurrency != ""
}

// SecurityKey identifies a security instrument across instances.
type SecurityKey struct {
	Isin     string
	Currency string
}

// CurrencyKey identifies a currency pair instrument across instances.
type CurrencyKey struct {
	FromCurrency string
	ToCurrency   string
}

// SecurityKeyOf extracts the security identity of a record. The second
// return value is false when the record is not a security.
func SecurityKeyOf(r InstrumentPriceRecord) (SecurityKey, bool) {
	if !r.IsSecurity() {
		return SecurityKey{}, false
	}
	return SecurityKey{Isin: *r.Isin, Currency: r.Currency}, true
}

// CurrencyKeyOf extracts the currency-pair identity of a record. The second
// return value is false when the record is not a currency pair.
func CurrencyKeyOf(r InstrumentPriceRecord) (CurrencyKey, bool) {
	if !r.IsCurrencypair() {
		return CurrencyKey{}, false
	}
	return CurrencyKey{FromCurrency: r.Currency, ToCurrency: *r.ToCurrency}, true
}
