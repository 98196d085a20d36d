// Package api serves the read-only operator projections: registered kinds
// and message codes with their response maps, known peers, the push pool,
// and a websocket feed of pool updates. It is a pure read surface; nothing
// here participates in protocol correctness.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"gtnet/cache"
	"gtnet/catalog"
	"gtnet/models"
	"gtnet/storage"
)

// PriceCache is the read side of the pooled-price cache. A miss yields
// (nil, nil); errors degrade to the storage fallback.
type PriceCache interface {
	GetSecurityPrice(ctx context.Context, isin, currency string) (*cache.Entry, error)
	GetCurrencypairPrice(ctx context.Context, fromCurrency, toCurrency string) (*cache.Entry, error)
}

// Server is the gin-backed operator API.
type Server struct {
	catalog *catalog.Catalog
	store   *storage.Store
	logger  *slog.Logger
	engine  *gin.Engine
	hub     *Hub
	prices  PriceCache

	domain string
}

// NewServer builds the API router for one instance.
func NewServer(c *catalog.Catalog, store *storage.Store, domain string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		catalog: c,
		store:   store,
		logger:  logger.With("component", "api"),
		engine:  gin.New(),
		hub:     newHub(logger),
		domain:  domain,
	}
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/api/health", s.getHealth)
	s.engine.GET("/api/kinds", s.getKinds)
	s.engine.GET("/api/messagecodes", s.getMessageCodes)
	s.engine.GET("/api/models", s.getModels)
	s.engine.GET("/api/peers", s.getPeers)
	s.engine.GET("/api/pool", s.getPool)
	s.engine.GET("/api/pool/latest", s.getPoolLatest)
	s.engine.GET("/api/messages", s.getMessages)
	s.engine.GET("/ws", s.handleWebSocket)
}

// Run starts the hub and blocks serving HTTP.
func (s *Server) Run(host string, port int) error {
	go s.hub.run()
	addr := fmt.Sprintf("%s:%d", host, port)
	s.logger.Info("api listening", "addr", addr)
	return s.engine.Run(addr)
}

// SetPriceCache attaches the optional pooled-price cache. Without one every
// latest-price read goes straight to storage.
func (s *Server) SetPriceCache(prices PriceCache) {
	s.prices = prices
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// NotifyPoolUpdate pushes the current pool to websocket subscribers. Wired
// as the protocol handler's pool-change hook.
func (s *Server) NotifyPoolUpdate() {
	entries, err := s.store.ListPool()
	if err != nil {
		s.logger.Warn("loading pool for broadcast failed", "error", err)
		return
	}
	s.hub.broadcastPool(entries)
}

func (s *Server) getHealth(c *gin.Context) {
	peers, err := s.store.ListPeers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	online := 0
	for _, peer := range peers {
		if peer.ServerOnline == storage.ServerOnlineOnline {
			online++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"domain":       s.domain,
		"peers":        len(peers),
		"peers_online": online,
		"subscribers":  s.hub.subscriberCount(),
	})
}

func (s *Server) getKinds(c *gin.Context) {
	kinds := s.catalog.AllKinds()
	out := make([]gin.H, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, gin.H{
			"name":          kind.Name,
			"value":         kind.Value,
			"supports_push": kind.SupportsPush,
			"syncable":      kind.Syncable,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getMessageCodes(c *gin.Context) {
	codes := s.catalog.AllCodes()
	out := make([]gin.H, 0, len(codes))
	for _, code := range codes {
		responses := s.catalog.ValidResponses(code.Value)
		responseNames := make([]string, 0, len(responses))
		for _, response := range responses {
			responseNames = append(responseNames, response.Name)
		}
		out = append(out, gin.H{
			"name":              code.Name,
			"value":             code.Value,
			"requires_response": code.RequiresResponse,
			"client_initiated":  code.ClientInitiated,
			"server_reply":      code.ServerReply,
			"broadcast":         code.Broadcast,
			"valid_responses":   responseNames,
		})
	}
	c.JSON(http.StatusOK, out)
}

// getModels lists the client-initiatable models that drive outbound message
// form generation.
func (s *Server) getModels(c *gin.Context) {
	modelList := s.catalog.ClientInitiatableModels()
	out := make([]gin.H, 0, len(modelList))
	for _, model := range modelList {
		code, err := s.catalog.CodeByValue(model.Code)
		if err != nil {
			continue
		}
		out = append(out, gin.H{
			"code":                code.Name,
			"value":               model.Code,
			"response_expected":   model.ResponseExpected,
			"repeat_send_as_many": model.RepeatSendAsMany,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getPeers(c *gin.Context) {
	peers, err := s.store.ListPeers()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(peers))
	for _, peer := range peers {
		capabilities, err := s.store.CapabilitiesForPeer(peer.Domain)
		if err != nil {
			s.logger.Warn("loading capabilities failed", "peer", peer.Domain, "error", err)
		}
		capList := make([]gin.H, 0, len(capabilities))
		for _, capability := range capabilities {
			capList = append(capList, gin.H{
				"kind":           capability.Kind,
				"accept_request": capability.AcceptRequest,
				"server_state":   capability.ServerState,
			})
		}
		out = append(out, gin.H{
			"domain":              peer.Domain,
			"timezone":            peer.Timezone,
			"server_online":       peer.ServerOnline,
			"server_busy":         peer.ServerBusy,
			"spread_capability":   peer.SpreadCapability,
			"daily_request_limit": peer.DailyRequestLimit,
			"last_seen":           peer.LastSeenTimestamp,
			"capabilities":        capList,
			"open_notices":        s.openNotices(peer.Domain),
		})
	}
	c.JSON(http.StatusOK, out)
}

// openNotices collects a peer's open maintenance and discontinuation
// notices.
func (s *Server) openNotices(domain string) []gin.H {
	out := make([]gin.H, 0, 2)
	for _, class := range []string{storage.NoticeClassMaintenance, storage.NoticeClassDiscontinued} {
		notice, err := s.store.OpenNoticeOfClass(domain, class)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("loading open notice failed", "peer", domain, "class", class, "error", err)
			continue
		}
		out = append(out, gin.H{
			"class": notice.Class,
			"from":  notice.FromTimestamp,
			"until": notice.UntilTimestamp,
			"note":  notice.Note,
		})
	}
	return out
}

func (s *Server) getPool(c *gin.Context) {
	entries, err := s.store.ListPool()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, poolPayload(entries))
}

// getPoolLatest serves the latest pooled price of one instrument, cache
// first with a storage fallback. Securities are addressed by isin+currency,
// currency pairs by from_currency+to_currency.
func (s *Server) getPoolLatest(c *gin.Context) {
	isin := c.Query("isin")
	currency := c.Query("currency")
	fromCurrency := c.Query("from_currency")
	toCurrency := c.Query("to_currency")

	isSecurity := isin != "" && currency != ""
	isPair := fromCurrency != "" && toCurrency != ""
	if isSecurity == isPair {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identify the instrument with isin+currency or from_currency+to_currency"})
		return
	}

	if s.prices != nil {
		var (
			entry *cache.Entry
			err   error
		)
		if isSecurity {
			entry, err = s.prices.GetSecurityPrice(c.Request.Context(), isin, currency)
		} else {
			entry, err = s.prices.GetCurrencypairPrice(c.Request.Context(), fromCurrency, toCurrency)
		}
		if err != nil {
			s.logger.Warn("cache read failed", "error", err)
		} else if entry != nil {
			c.JSON(http.StatusOK, gin.H{
				"source":      "cache",
				"isin":        entry.Isin,
				"currency":    entry.Currency,
				"to_currency": entry.ToCurrency,
				"timestamp":   entry.Timestamp,
				"last":        entry.Last,
				"volume":      entry.Volume,
			})
			return
		}
	}

	var (
		instrument storage.PooledInstrument
		found      bool
	)
	if isSecurity {
		matches, err := s.store.PooledSecuritiesByKeys([]models.SecurityKey{{Isin: isin, Currency: currency}})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		instrument, found = matches[models.SecurityKey{Isin: isin, Currency: currency}]
	} else {
		matches, err := s.store.PooledCurrencypairsByKeys([]models.CurrencyKey{{FromCurrency: fromCurrency, ToCurrency: toCurrency}})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		instrument, found = matches[models.CurrencyKey{FromCurrency: fromCurrency, ToCurrency: toCurrency}]
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "instrument is not pooled"})
		return
	}

	prices, err := s.store.PooledLastpricesByInstrumentIDs([]int64{instrument.ID})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	price, ok := prices[instrument.ID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "instrument is not pooled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"source":      "storage",
		"isin":        instrument.Isin,
		"currency":    instrument.Currency,
		"to_currency": instrument.ToCurrency,
		"timestamp":   price.Timestamp,
		"last":        price.Last,
		"volume":      price.Volume,
	})
}

func (s *Server) getMessages(c *gin.Context) {
	messages, err := s.store.ListMessages(100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(messages))
	for _, message := range messages {
		attempts, err := s.store.AttemptsForMessage(message.MessageID)
		if err != nil {
			s.logger.Warn("loading attempts failed", "id", message.MessageID, "error", err)
		}
		attemptList := make([]gin.H, 0, len(attempts))
		for _, attempt := range attempts {
			attemptList = append(attemptList, gin.H{
				"target":          attempt.TargetDomain,
				"delivery_status": attempt.DeliveryStatus,
				"attempt_count":   attempt.AttemptCount,
				"last_attempt":    attempt.LastAttempt,
			})
		}

		name := ""
		if code, err := s.catalog.CodeByValue(message.MessageCode); err == nil {
			name = code.Name
		}
		out = append(out, gin.H{
			"id":          message.MessageID,
			"code":        message.MessageCode,
			"code_name":   name,
			"direction":   message.Direction,
			"peer":        message.PeerDomain,
			"timestamp":   message.Timestamp,
			"note":        message.Note,
			"reply_to_id": message.ReplyToID,
			"attempts":    attemptList,
		})
	}
	c.JSON(http.StatusOK, out)
}

func poolPayload(entries []storage.PooledEntry) []gin.H {
	out := make([]gin.H, 0, len(entries))
	for _, entry := range entries {
		out = append(out, gin.H{
			"id":          entry.Instrument.ID,
			"isin":        entry.Instrument.Isin,
			"currency":    entry.Instrument.Currency,
			"to_currency": entry.Instrument.ToCurrency,
			"created_by":  entry.Instrument.CreatedByDomain,
			"timestamp":   entry.Price.Timestamp,
			"open":        entry.Price.Open,
			"high":        entry.Price.High,
			"low":         entry.Price.Low,
			"last":        entry.Price.Last,
			"volume":      entry.Price.Volume,
		})
	}
	return out
}
