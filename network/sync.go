package network

import (
	"context"
	"errors"
	"log/slog"

	"gtnet/catalog"
	"gtnet/models"
	"gtnet/storage"
)

// Syncer runs the periodic outbound lastprice exchange: it presents the
// local instrument view to every peer whose lastprice capability is open
// and absorbs the strictly fresher records the peer answers with. The
// newer-timestamp-wins rule makes a repeated run idempotent.
type Syncer struct {
	catalog   *catalog.Catalog
	store     *storage.Store
	transport Transport
	resolve   Resolver
	domain    string
	logger    *slog.Logger
}

// NewSyncer wires the outbound sync job.
func NewSyncer(c *catalog.Catalog, store *storage.Store, transport Transport, domain string, resolve Resolver, logger *slog.Logger) *Syncer {
	if resolve == nil {
		resolve = PeerAddress
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		catalog:   c,
		store:     store,
		transport: transport,
		resolve:   resolve,
		domain:    domain,
		logger:    logger.With("component", "gtnet-syncer"),
	}
}

// RunOnce exchanges lastprices with every eligible peer. A failure against
// one peer is logged and the rest proceed.
func (s *Syncer) RunOnce(ctx context.Context) error {
	peers, err := s.store.ListPeers()
	if err != nil {
		return err
	}

	request, err := s.buildRequest()
	if err != nil {
		return err
	}
	if len(request.Securities) == 0 && len(request.Currencypairs) == 0 {
		s.logger.Debug("no local instruments to sync")
		return nil
	}

	for _, peer := range peers {
		if peer.Domain == s.domain {
			continue
		}
		if peer.ServerOnline == storage.ServerOnlineOffline {
			continue
		}
		if !s.peerOpenForLastprice(peer.Domain) {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.syncPeer(ctx, peer.Domain, request); err != nil {
			s.logger.Warn("lastprice sync with peer failed", "peer", peer.Domain, "error", err)
		}
	}
	return nil
}

func (s *Syncer) peerOpenForLastprice(domain string) bool {
	capability, err := s.store.CapabilityFor(domain, catalog.KindLastprice)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("capability lookup failed", "peer", domain, "error", err)
		}
		return false
	}
	return capability.AcceptRequest != storage.AcceptRequestClosed
}

func (s *Syncer) buildRequest() (*models.LastpriceExchange, error) {
	entries, err := s.store.ListInstrumentPrices()
	if err != nil {
		return nil, err
	}

	request := &models.LastpriceExchange{}
	for _, entry := range entries {
		record := models.InstrumentPriceRecord{
			Isin:       entry.Instrument.Isin,
			Currency:   entry.Instrument.Currency,
			ToCurrency: entry.Instrument.ToCurrency,
			Timestamp:  entry.Price.Timestamp,
			Open:       entry.Price.Open,
			High:       entry.Price.High,
			Low:        entry.Price.Low,
			Last:       entry.Price.Last,
			Volume:     entry.Price.Volume,
		}
		switch {
		case record.IsSecurity():
			request.Securities = append(request.Securities, record)
		case record.IsCurrencypair():
			request.Currencypairs = append(request.Currencypairs, record)
		}
	}
	return request, nil
}

func (s *Syncer) syncPeer(ctx context.Context, domain string, request *models.LastpriceExchange) error {
	env, err := NewEnvelope(s.domain, catalog.CodeLastpriceExchange, request)
	if err != nil {
		return err
	}

	reply, err := s.transport.Exchange(ctx, s.resolve(domain), env)
	if err != nil {
		return err
	}
	if reply.MessageCode != catalog.CodeLastpriceExchangeReply {
		return errors.New("network: unexpected exchange reply code")
	}

	payload, err := reply.DecodePayload(s.catalog)
	if err != nil {
		return err
	}
	response := payload.(*models.LastpriceExchangeReply)

	absorbed := s.absorbSecurities(response.Securities) + s.absorbCurrencypairs(response.Currencypairs)
	if absorbed > 0 {
		s.logger.Info("absorbed fresher peer records", "peer", domain, "count", absorbed)
	}
	return nil
}

// absorbSecurities overwrites local price rows where the peer's answer is
// strictly fresher. Instruments the peer knows and we do not are ignored:
// the local instrument set is owned by this instance, not by the sync.
func (s *Syncer) absorbSecurities(records []models.InstrumentPriceRecord) int {
	var keys []models.SecurityKey
	for _, r := range records {
		if key, ok := models.SecurityKeyOf(r); ok {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return 0
	}

	instruments, err := s.store.SecuritiesByKeys(keys)
	if err != nil {
		s.logger.Warn("resolving answered securities failed", "error", err)
		return 0
	}

	byID := make(map[int64]models.InstrumentPriceRecord)
	var ids []int64
	for _, r := range records {
		key, ok := models.SecurityKeyOf(r)
		if !ok {
			continue
		}
		if instrument, found := instruments[key]; found {
			byID[instrument.ID] = r
			ids = append(ids, instrument.ID)
		}
	}
	return s.absorb(byID, ids)
}

func (s *Syncer) absorbCurrencypairs(records []models.InstrumentPriceRecord) int {
	var keys []models.CurrencyKey
	for _, r := range records {
		if key, ok := models.CurrencyKeyOf(r); ok {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return 0
	}

	instruments, err := s.store.CurrencypairsByKeys(keys)
	if err != nil {
		s.logger.Warn("resolving answered currencypairs failed", "error", err)
		return 0
	}

	byID := make(map[int64]models.InstrumentPriceRecord)
	var ids []int64
	for _, r := range records {
		key, ok := models.CurrencyKeyOf(r)
		if !ok {
			continue
		}
		if instrument, found := instruments[key]; found {
			byID[instrument.ID] = r
			ids = append(ids, instrument.ID)
		}
	}
	return s.absorb(byID, ids)
}

func (s *Syncer) absorb(byID map[int64]models.InstrumentPriceRecord, ids []int64) int {
	if len(ids) == 0 {
		return 0
	}

	local, err := s.store.LastpricesByInstrumentIDs(ids)
	if err != nil {
		s.logger.Warn("loading local prices failed", "error", err)
		return 0
	}

	var updates []storage.Lastprice
	for _, id := range ids {
		record := byID[id]
		current, ok := local[id]
		if !ok {
			continue
		}
		if record.Timestamp == nil {
			continue
		}
		if current.Timestamp != nil && *record.Timestamp <= *current.Timestamp {
			continue
		}
		updates = append(updates, storage.Lastprice{
			InstrumentID: id,
			Timestamp:    record.Timestamp,
			Open:         record.Open,
			High:         record.High,
			Low:          record.Low,
			Last:         record.Last,
			Volume:       record.Volume,
		})
	}
	if len(updates) == 0 {
		return 0
	}
	if err := s.store.UpdateLastprices(updates); err != nil {
		s.logger.Warn("absorbing peer records failed", "error", err)
		return 0
	}
	return len(updates)
}
