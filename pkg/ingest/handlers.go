package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mctrack/mctrack/pkg/geoip"
	"github.com/mctrack/mctrack/pkg/httputil"
	"github.com/mctrack/mctrack/pkg/middleware"
	"github.com/mctrack/mctrack/pkg/observability"
	"github.com/mctrack/mctrack/pkg/players"
)

// BatchResponse is the body returned by the batch endpoint.
type BatchResponse struct {
	Success   bool `json:"success"`
	Processed int  `json:"processed"`
}

// Server is the ingestion HTTP API consumed by proxy plugins.
type Server struct {
	router    *mux.Router
	registry  *SessionRegistry
	store     *SessionStore
	buffer    *EventBuffer
	upserts   *players.UpsertQueue
	geo       geoip.Resolver
	auth      *middleware.APIKeyAuth
	ratelimit *middleware.RateLimiter
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewServer wires the ingestion endpoints. ratelimit may be nil to
// disable per-key limiting.
func NewServer(
	registry *SessionRegistry,
	store *SessionStore,
	buffer *EventBuffer,
	upserts *players.UpsertQueue,
	geo geoip.Resolver,
	auth *middleware.APIKeyAuth,
	ratelimit *middleware.RateLimiter,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		registry:  registry,
		store:     store,
		buffer:    buffer,
		upserts:   upserts,
		geo:       geo,
		auth:      auth,
		ratelimit: ratelimit,
		logger:    logger,
		metrics:   metrics,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	session := s.router.PathPrefix("/session").Subrouter()
	if s.ratelimit != nil {
		session.Use(s.ratelimit.Handler)
	}
	session.Use(s.auth.Handler)
	session.Handle("/batch", s.instrument("/session/batch", s.handleBatch)).Methods(http.MethodPost)
	session.Handle("/start", s.instrument("/session/start", s.handleSessionStart)).Methods(http.MethodPost)
	session.Handle("/end", s.instrument("/session/end", s.handleSessionEnd)).Methods(http.MethodPost)
	session.Handle("/gamemode", s.instrument("/session/gamemode", s.handleSessionGamemode)).Methods(http.MethodPost)
	session.Handle("/auth", s.instrument("/session/auth", s.handleAuth)).Methods(http.MethodGet)
}

func (s *Server) instrument(path string, h http.HandlerFunc) http.Handler {
	return s.metrics.InstrumentHandler(path, h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, map[string]string{"status": "ok"})
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	scope := middleware.GetScope(r.Context())
	if scope == nil {
		httputil.WriteUnauthorized(w, "UNAUTHORIZED", "no authenticated scope")
		return
	}
	httputil.WriteSuccess(w, scope)
}

// handleBatch processes the plugin's combined event payload. Events are
// independent: one bad event never aborts its siblings, and the response
// is always a success envelope once the request itself is accepted.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := middleware.GetScope(ctx)
	if scope == nil {
		httputil.WriteUnauthorized(w, "UNAUTHORIZED", "no authenticated scope")
		return
	}

	var batch BatchRequest
	if !httputil.ParseJSONOrError(w, r, &batch) {
		return
	}

	total := batch.TotalEvents()
	if total > MaxBatchEvents {
		s.metrics.BatchRejectedTotal.Inc()
		capErr := &CapacityError{Events: total, Limit: MaxBatchEvents}
		httputil.WriteBadRequest(w, capErr.Code(), capErr.Error())
		return
	}
	s.metrics.BatchSize.Observe(float64(total))

	now := time.Now().UTC()
	processed := 0

	for _, ev := range batch.SessionStarts {
		_, err := s.processSessionStart(ctx, scope, ev, now)
		s.observeEvent("session_start", err)
		if err == nil {
			processed++
		}
	}
	for _, ev := range batch.SessionEnds {
		err := s.processSessionEnd(ctx, ev, now)
		s.observeEvent("session_end", err)
		if err == nil {
			processed++
		}
	}
	for _, ev := range batch.Heartbeats {
		// Heartbeats are a best-effort liveness signal: counted even
		// when the underlying write fails.
		err := s.processHeartbeat(ctx, ev, now)
		s.observeEvent("heartbeat", err)
		processed++
	}
	for _, ev := range batch.ServerSwitches {
		err := s.processServerSwitch(ctx, scope, ev, now)
		s.observeEvent("server_switch", err)
		if err == nil {
			processed++
		}
	}
	for range batch.GamemodeChanges {
		// Reserved event kind; accepted but not acted upon.
		s.observeEvent("gamemode_change", nil)
		processed++
	}
	for _, ev := range batch.GamemodeSessionStarts {
		err := s.processGamemodeSessionStart(ctx, scope, ev, now)
		s.observeEvent("gamemode_session_start", err)
		if err == nil {
			processed++
		}
	}
	for _, ev := range batch.GamemodeSessionEnds {
		err := s.processGamemodeSessionEnd(ctx, ev, now)
		s.observeEvent("gamemode_session_end", err)
		if err == nil {
			processed++
		}
	}
	for _, ev := range batch.Payments {
		err := s.processPayment(ctx, scope, ev, now)
		s.observeEvent("payment", err)
		if err == nil {
			processed++
		}
	}

	httputil.WriteSuccess(w, BatchResponse{Success: true, Processed: processed})
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := middleware.GetScope(ctx)
	if scope == nil {
		httputil.WriteUnauthorized(w, "UNAUTHORIZED", "no authenticated scope")
		return
	}

	var ev SessionStartEvent
	if !httputil.ParseJSONOrError(w, r, &ev) {
		return
	}

	sessionUUID, err := s.processSessionStart(ctx, scope, ev, time.Now().UTC())
	s.observeEvent("session_start", err)
	if err != nil {
		s.writeEventError(w, err)
		return
	}
	httputil.WriteCreated(w, map[string]string{"sessionUuid": sessionUUID})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var ev SessionEndEvent
	if !httputil.ParseJSONOrError(w, r, &ev) {
		return
	}
	if ev.SessionUUID == "" {
		httputil.WriteBadRequest(w, "VALIDATION_ERROR", "sessionUuid is required")
		return
	}

	// The single-session endpoint is strict: an unknown session is an
	// error here, unlike the batch path where ends are fire-and-forget.
	if _, err := s.registry.Get(ctx, ev.SessionUUID); err != nil {
		s.writeEventError(w, err)
		return
	}

	err := s.processSessionEnd(ctx, ev, time.Now().UTC())
	s.observeEvent("session_end", err)
	if err != nil {
		s.writeEventError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]bool{"success": true})
}

func (s *Server) handleSessionGamemode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope := middleware.GetScope(ctx)
	if scope == nil {
		httputil.WriteUnauthorized(w, "UNAUTHORIZED", "no authenticated scope")
		return
	}

	var ev GamemodeSessionStartEvent
	if !httputil.ParseJSONOrError(w, r, &ev) {
		return
	}
	if ev.SessionUUID == "" {
		httputil.WriteBadRequest(w, "VALIDATION_ERROR", "sessionUuid is required")
		return
	}

	sc, err := s.registry.Get(ctx, ev.SessionUUID)
	if err != nil {
		s.writeEventError(w, err)
		return
	}

	gamemodeID := ev.GamemodeID
	if gamemodeID == "" {
		gamemodeID = scope.GamemodeID
	}
	if gamemodeID == "" {
		httputil.WriteBadRequest(w, "VALIDATION_ERROR", "no gamemode resolvable from event or key scope")
		return
	}

	// Assign on the network session first: if that fails the caller
	// sees the error and no gamemode session row is buffered.
	if err := s.store.AssignGamemode(ctx, ev.SessionUUID, gamemodeID); err != nil {
		s.writeEventError(w, err)
		return
	}

	now := time.Now().UTC()
	s.buffer.AddGamemodeSession(GamemodeSessionRow{
		SessionUUID: uuid.NewString(),
		GamemodeID:  gamemodeID,
		PlayerUUID:  sc.PlayerUUID,
		PlayerName:  sc.PlayerName,
		ServerName:  ev.ServerName,
		StartTime:   eventTime(ev.Timestamp, now),
	})

	sc.GamemodeID = gamemodeID
	if err := s.registry.Put(ctx, ev.SessionUUID, *sc); err != nil {
		s.logger.WithError(err).Warn("failed to update session gamemode in registry")
	}

	httputil.WriteSuccess(w, map[string]bool{"success": true})
}

func (s *Server) processSessionStart(ctx context.Context, scope *middleware.Scope, ev SessionStartEvent, now time.Time) (string, error) {
	if ev.PlayerUUID == "" {
		return "", &ValidationError{Field: "playerUuid", Reason: "required"}
	}
	if ev.PlayerName == "" {
		return "", &ValidationError{Field: "playerName", Reason: "required"}
	}
	if !validPlatform(ev.Platform) {
		return "", &ValidationError{Field: "platform", Reason: "must be java or bedrock"}
	}

	sessionUUID := ev.SessionUUID
	if sessionUUID == "" {
		sessionUUID = uuid.NewString()
	}

	playerUUID := NormalizePlayerUUID(ev.PlayerUUID)
	country := geoip.UnknownCountry
	if ev.IPAddress != "" {
		if c, err := s.geo.Country(ctx, ev.IPAddress); err == nil {
			country = c
		}
	}

	start := eventTime(ev.Timestamp, now)
	gamemodeID := scope.GamemodeID

	s.buffer.AddSession(SessionRow{
		SessionUUID:   sessionUUID,
		NetworkID:     scope.NetworkID,
		PlayerUUID:    playerUUID,
		PlayerName:    ev.PlayerName,
		ProxyID:       ev.ProxyID,
		GamemodeID:    gamemodeID,
		Domain:        ev.Domain,
		IPAddress:     ev.IPAddress,
		PlayerCountry: country,
		Platform:      ev.Platform,
		BedrockDevice: ev.BedrockDevice,
		StartTime:     start,
		LastHeartbeat: start,
	})

	err := s.registry.Put(ctx, sessionUUID, SessionContext{
		NetworkID:     scope.NetworkID,
		PlayerUUID:    playerUUID,
		PlayerName:    ev.PlayerName,
		GamemodeID:    gamemodeID,
		Platform:      ev.Platform,
		BedrockDevice: ev.BedrockDevice,
		Country:       country,
		StartTime:     start,
	})
	s.observeRegistry("put", err)
	if err != nil {
		return "", err
	}

	s.upserts.Enqueue(players.Upsert{
		NetworkID:     scope.NetworkID,
		PlayerUUID:    playerUUID,
		PlayerName:    ev.PlayerName,
		Platform:      ev.Platform,
		BedrockDevice: ev.BedrockDevice,
		Country:       country,
		Domain:        ev.Domain,
		SeenAt:        start,
	})

	return sessionUUID, nil
}

func (s *Server) processSessionEnd(ctx context.Context, ev SessionEndEvent, now time.Time) error {
	if ev.SessionUUID == "" {
		return nil
	}

	if err := s.store.CloseSession(ctx, ev.SessionUUID, eventTime(ev.Timestamp, now)); err != nil {
		return err
	}

	err := s.registry.Delete(ctx, ev.SessionUUID)
	s.observeRegistry("delete", err)
	if err != nil {
		// The durable row is closed; the cached entry will age out on
		// its own, so this is not worth failing the event over.
		s.logger.WithError(err).WithField("session_uuid", ev.SessionUUID).
			Warn("failed to delete registry entry")
	}
	return nil
}

func (s *Server) processHeartbeat(ctx context.Context, ev HeartbeatEvent, now time.Time) error {
	if ev.SessionUUID == "" {
		return &ValidationError{Field: "sessionUuid", Reason: "required"}
	}

	if err := s.store.RecordHeartbeat(ctx, ev.SessionUUID, eventTime(ev.Timestamp, now)); err != nil {
		return err
	}

	err := s.registry.Refresh(ctx, ev.SessionUUID)
	s.observeRegistry("refresh", err)

	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		// Heartbeat for a session the registry no longer knows; the
		// durable update above is all we can do.
		return nil
	}
	return err
}

func (s *Server) processServerSwitch(ctx context.Context, scope *middleware.Scope, ev ServerSwitchEvent, now time.Time) error {
	if ev.SessionUUID == "" {
		return &ValidationError{Field: "sessionUuid", Reason: "required"}
	}
	if ev.ToServer == "" {
		return &ValidationError{Field: "toServer", Reason: "required"}
	}

	sc, err := s.registry.Get(ctx, ev.SessionUUID)
	s.observeRegistry("get", err)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			// Session expired or never registered; the switch still
			// counts as handled.
			return nil
		}
		return err
	}

	gamemodeID := sc.GamemodeID
	if gamemodeID == "" {
		gamemodeID = scope.GamemodeID
	}
	if gamemodeID == "" {
		return nil
	}

	if err := s.store.AssignGamemode(ctx, ev.SessionUUID, gamemodeID); err != nil {
		return err
	}

	s.buffer.AddGamemodeSession(GamemodeSessionRow{
		SessionUUID: uuid.NewString(),
		GamemodeID:  gamemodeID,
		PlayerUUID:  sc.PlayerUUID,
		PlayerName:  sc.PlayerName,
		ServerName:  ev.ToServer,
		StartTime:   eventTime(ev.Timestamp, now),
	})

	return nil
}

func (s *Server) processGamemodeSessionStart(ctx context.Context, scope *middleware.Scope, ev GamemodeSessionStartEvent, now time.Time) error {
	gamemodeID := ev.GamemodeID
	if gamemodeID == "" {
		gamemodeID = scope.GamemodeID
	}
	if gamemodeID == "" {
		// No gamemode resolvable from the event or the key's scope;
		// skipped but still handled.
		return nil
	}

	if ev.PlayerUUID == "" {
		return &ValidationError{Field: "playerUuid", Reason: "required"}
	}
	if ev.PlayerName == "" {
		return &ValidationError{Field: "playerName", Reason: "required"}
	}

	sessionUUID := ev.SessionUUID
	if sessionUUID == "" {
		sessionUUID = uuid.NewString()
	}

	s.buffer.AddGamemodeSession(GamemodeSessionRow{
		SessionUUID: sessionUUID,
		GamemodeID:  gamemodeID,
		PlayerUUID:  NormalizePlayerUUID(ev.PlayerUUID),
		PlayerName:  ev.PlayerName,
		ServerName:  ev.ServerName,
		StartTime:   eventTime(ev.Timestamp, now),
	})
	return nil
}

func (s *Server) processGamemodeSessionEnd(ctx context.Context, ev GamemodeSessionEndEvent, now time.Time) error {
	if ev.SessionUUID == "" {
		return nil
	}
	return s.store.CloseGamemodeSession(ctx, ev.SessionUUID, eventTime(ev.Timestamp, now))
}

func (s *Server) processPayment(ctx context.Context, scope *middleware.Scope, ev PaymentEvent, now time.Time) error {
	if ev.PaymentUUID == "" {
		return &ValidationError{Field: "paymentUuid", Reason: "required"}
	}
	if ev.Amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	currency := ev.Currency
	if currency == "" {
		currency = "USD"
	}
	country := ev.Country
	if country == "" {
		country = geoip.UnknownCountry
	}
	platform := ev.Platform
	if platform == "" {
		platform = PlatformJava
	}

	var productsJSON []byte
	if len(ev.Products) > 0 {
		data, err := json.Marshal(ev.Products)
		if err != nil {
			return &ValidationError{Field: "products", Reason: "not serializable"}
		}
		productsJSON = data
	}

	return s.store.InsertPayment(ctx, PaymentRow{
		PaymentUUID:       ev.PaymentUUID,
		NetworkID:         scope.NetworkID,
		MerchantPaymentID: ev.MerchantPaymentID,
		PlayerUUID:        NormalizePlayerUUID(ev.PlayerUUID),
		PlayerName:        ev.PlayerName,
		Platform:          platform,
		BedrockDevice:     ev.BedrockDevice,
		Country:           country,
		Amount:            ev.Amount,
		Currency:          currency,
		ProductsJSON:      productsJSON,
		Timestamp:         eventTime(ev.Timestamp, now),
	})
}

func (s *Server) observeEvent(kind string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case isValidation(err):
		outcome = "validation_error"
	default:
		outcome = "error"
		s.logger.WithError(err).WithField("kind", kind).Error("event processing failed")
	}
	s.metrics.EventsProcessedTotal.WithLabelValues(kind, outcome).Inc()
}

func (s *Server) observeRegistry(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			outcome = "miss"
		}
	}
	s.metrics.RegistryOperationsTotal.WithLabelValues(operation, outcome).Inc()
}

func isValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func (s *Server) writeEventError(w http.ResponseWriter, err error) {
	var (
		validation *ValidationError
		notFound   *NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		httputil.WriteBadRequest(w, "VALIDATION_ERROR", validation.Error())
	case errors.As(err, &notFound):
		httputil.WriteNotFound(w, notFound.Code(), notFound.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}
