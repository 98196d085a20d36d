package exchange

import (
	"testing"

	"gtnet/models"
	"gtnet/storage"
)

func TestPushOpenBootstrapsPool(t *testing.T) {
	store := newTestStore(t)
	strategy := NewPushOpenStrategy(store, "local.example.com", nil)

	result, err := strategy.QuerySecurities([]models.InstrumentPriceRecord{
		securityRecord("US0378331005", "USD", ptrI64(1000), ptrF64(50)),
	}, nil)
	if err != nil {
		t.Fatalf("QuerySecurities failed: %v", err)
	}
	if len(result) != 1 || result[0].Last == nil || *result[0].Last != 50 {
		t.Fatalf("bootstrap must echo the pushed record, got %+v", result)
	}

	entries, err := store.ListPool()
	if err != nil {
		t.Fatalf("ListPool failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 pool entry after bootstrap, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Instrument.Isin == nil || *entry.Instrument.Isin != "US0378331005" {
		t.Fatalf("unexpected pool instrument: %+v", entry.Instrument)
	}
	if entry.Instrument.CreatedByDomain != "local.example.com" {
		t.Fatalf("pool entry not attributed to this instance: %q", entry.Instrument.CreatedByDomain)
	}
	if entry.Price.Last == nil || *entry.Price.Last != 50 {
		t.Fatalf("pool price not persisted: %+v", entry.Price)
	}
}

func TestPushOpenNoBootstrapOnNullPrice(t *testing.T) {
	store := newTestStore(t)
	strategy := NewPushOpenStrategy(store, "local.example.com", nil)

	result, err := strategy.QuerySecurities([]models.InstrumentPriceRecord{
		securityRecord("US0378331005", "USD", ptrI64(1000), nil),
	}, nil)
	if err != nil {
		t.Fatalf("QuerySecurities failed: %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("null-price record must not be echoed, got %+v", result)
	}

	entries, err := store.ListPool()
	if err != nil {
		t.Fatalf("ListPool failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("null-price record must not create a pool entry, got %+v", entries)
	}
}

func TestPushOpenEmitsStrictlyNewerPoolRows(t *testing.T) {
	store := newTestStore(t)
	strategy := NewPushOpenStrategy(store, "local.example.com", nil)

	isin := "US0378331005"
	ts := int64(2000)
	last := 60.0
	_, err := store.CreatePooledInstrument(storage.PooledInstrument{
		Isin:            &isin,
		Currency:        "USD",
		CreatedByDomain: "alpha.example.com",
	}, storage.Lastprice{Timestamp: &ts, Last: &last})
	if err != nil {
		t.Fatalf("seed pool entry: %v", err)
	}

	// Stale caller sees the pool row.
	result, err := strategy.QuerySecurities([]models.InstrumentPriceRecord{
		securityRecord(isin, "USD", ptrI64(1000), ptrF64(55)),
	}, nil)
	if err != nil {
		t.Fatalf("QuerySecurities failed: %v", err)
	}
	if len(result) != 1 || result[0].Last == nil || *result[0].Last != 60 {
		t.Fatalf("expected the fresher pool row, got %+v", result)
	}

	// Equal timestamp is inert.
	result, err = strategy.QuerySecurities([]models.InstrumentPriceRecord{
		securityRecord(isin, "USD", ptrI64(2000), ptrF64(61)),
	}, nil)
	if err != nil {
		t.Fatalf("QuerySecurities (equal) failed: %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("equal timestamps must emit nothing, got %+v", result)
	}

	// Fresher caller overwrites the pool row in place and is not echoed.
	result, err = strategy.QuerySecurities([]models.InstrumentPriceRecord{
		securityRecord(isin, "USD", ptrI64(3000), ptrF64(70)),
	}, nil)
	if err != nil {
		t.Fatalf("QuerySecurities (fresher caller) failed: %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("absorbed push must not be echoed, got %+v", result)
	}
	entries, err := store.ListPool()
	if err != nil {
		t.Fatalf("ListPool failed: %v", err)
	}
	if lp := entries[0].Price; lp.Last == nil || *lp.Last != 70 {
		t.Fatalf("pool row must carry the fresher push, got %+v", lp)
	}
}

func TestPushOpenUpdatesPoolOnStrictlyNewerPush(t *testing.T) {
	store := newTestStore(t)
	strategy := NewPushOpenStrategy(store, "local.example.com", nil)

	isin := "US0378331005"
	if _, err := strategy.QuerySecurities([]models.InstrumentPriceRecord{
		securityRecord(isin, "USD", ptrI64(1000), ptrF64(50)),
	}, nil); err != nil {
		t.Fatalf("bootstrap push failed: %v", err)
	}

	result, err := strategy.QuerySecurities([]models.InstrumentPriceRecord{
		securityRecord(isin, "USD", ptrI64(2000), ptrF64(60)),
	}, nil)
	if err != nil {
		t.Fatalf("QuerySecurities failed: %v", err)
	}
	if len(result) != 0 {
		t.Fatalf("absorbing push must emit nothing, got %+v", result)
	}

	entries, err := store.ListPool()
	if err != nil {
		t.Fatalf("ListPool failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected the single bootstrapped entry, got %d", len(entries))
	}
	lp := entries[0].Price
	if lp.Timestamp == nil || *lp.Timestamp != 2000 || lp.Last == nil || *lp.Last != 60 {
		t.Fatalf("pool row not updated in place, got timestamp=%v last=%v", lp.Timestamp, lp.Last)
	}

	// A later stale push never rolls the pool back.
	if _, err := strategy.QuerySecurities([]models.InstrumentPriceRecord{
		securityRecord(isin, "USD", ptrI64(1500), ptrF64(40)),
	}, nil); err != nil {
		t.Fatalf("stale push failed: %v", err)
	}
	entries, err = store.ListPool()
	if err != nil {
		t.Fatalf("ListPool failed: %v", err)
	}
	if lp := entries[0].Price; lp.Timestamp == nil || *lp.Timestamp != 2000 {
		t.Fatalf("stale push must not roll the pool back, got %+v", lp)
	}
}

func TestPushOpenCurrencypairBootstrap(t *testing.T) {
	store := newTestStore(t)
	strategy := NewPushOpenStrategy(store, "local.example.com", nil)

	to := "USD"
	result, err := strategy.QueryCurrencypairs([]models.InstrumentPriceRecord{
		{Currency: "EUR", ToCurrency: &to, Timestamp: ptrI64(1000), Last: ptrF64(1.0845)},
	}, nil)
	if err != nil {
		t.Fatalf("QueryCurrencypairs failed: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("expected pair bootstrap echo, got %+v", result)
	}

	pairs, err := store.PooledCurrencypairsByKeys([]models.CurrencyKey{
		{FromCurrency: "EUR", ToCurrency: "USD"},
	})
	if err != nil {
		t.Fatalf("PooledCurrencypairsByKeys failed: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("expected pooled pair entry, got %d", len(pairs))
	}
}

func TestForAcceptMode(t *testing.T) {
	store := newTestStore(t)

	if s := ForAcceptMode(storage.AcceptRequestClosed, store, "local.example.com", nil); s != nil {
		t.Fatalf("CLOSED must yield no strategy, got %T", s)
	}
	if _, ok := ForAcceptMode(storage.AcceptRequestOpen, store, "local.example.com", nil).(*OpenStrategy); !ok {
		t.Fatal("OPEN must yield the open strategy")
	}
	if _, ok := ForAcceptMode(storage.AcceptRequestPushOpen, store, "local.example.com", nil).(*PushOpenStrategy); !ok {
		t.Fatal("PUSH_OPEN must yield the push-open strategy")
	}
}
