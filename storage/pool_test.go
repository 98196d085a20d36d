package storage

import (
	"errors"
	"testing"

	"gtnet/models"
)

func TestPoolCreateAndResolve(t *testing.T) {
	store := newTestStore(t)

	ts := nowUnixMilli()
	last := 99.5
	isin := "DE0007164600"

	id, err := store.CreatePooledInstrument(PooledInstrument{
		Isin:            &isin,
		Currency:        "EUR",
		CreatedByDomain: "alpha.example.com",
	}, Lastprice{Timestamp: &ts, Last: &last})
	if err != nil {
		t.Fatalf("CreatePooledInstrument failed: %v", err)
	}

	resolved, err := store.PooledSecuritiesByKeys([]models.SecurityKey{
		{Isin: isin, Currency: "EUR"},
	})
	if err != nil {
		t.Fatalf("PooledSecuritiesByKeys failed: %v", err)
	}
	got, ok := resolved[models.SecurityKey{Isin: isin, Currency: "EUR"}]
	if !ok {
		t.Fatal("pooled security not resolved by key")
	}
	if got.ID != id || got.CreatedByDomain != "alpha.example.com" {
		t.Fatalf("unexpected pooled instrument: %+v", got)
	}
	if got.CreatedTimestamp == 0 {
		t.Fatal("created_timestamp should default when omitted")
	}

	prices, err := store.PooledLastpricesByInstrumentIDs([]int64{id})
	if err != nil {
		t.Fatalf("PooledLastpricesByInstrumentIDs failed: %v", err)
	}
	lp := prices[id]
	if lp.Last == nil || *lp.Last != last {
		t.Fatalf("pooled price not persisted with instrument: %+v", lp)
	}

	if _, err := store.CreatePooledInstrument(PooledInstrument{Currency: "EUR"}, Lastprice{}); err == nil {
		t.Fatal("expected error without created_by_domain")
	}
}

func TestPoolUpdateAndList(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreatePooledInstrument(PooledInstrument{
		Currency:        "EUR",
		ToCurrency:      stringRef("USD"),
		CreatedByDomain: "alpha.example.com",
	}, Lastprice{})
	if err != nil {
		t.Fatalf("CreatePooledInstrument failed: %v", err)
	}

	pairs, err := store.PooledCurrencypairsByKeys([]models.CurrencyKey{
		{FromCurrency: "EUR", ToCurrency: "USD"},
	})
	if err != nil {
		t.Fatalf("PooledCurrencypairsByKeys failed: %v", err)
	}
	if got := pairs[models.CurrencyKey{FromCurrency: "EUR", ToCurrency: "USD"}]; got.ID != id {
		t.Fatalf("unexpected pooled pair id: got %d want %d", got.ID, id)
	}

	ts := nowUnixMilli()
	last := 1.0845
	err = store.UpdatePooledLastprice(Lastprice{InstrumentID: id, Timestamp: &ts, Last: &last})
	if err != nil {
		t.Fatalf("UpdatePooledLastprice failed: %v", err)
	}

	entries, err := store.ListPool()
	if err != nil {
		t.Fatalf("ListPool failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 pool entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Instrument.ID != id || entry.Price.Last == nil || *entry.Price.Last != last {
		t.Fatalf("unexpected pool entry: %+v", entry)
	}

	err = store.UpdatePooledLastprice(Lastprice{InstrumentID: 9999, Timestamp: &ts})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown pool instrument, got %v", err)
	}
}

func stringRef(s string) *string { return &s }
