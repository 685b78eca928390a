package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mctrack/mctrack/pkg/geoip"
	"github.com/mctrack/mctrack/pkg/middleware"
	"github.com/mctrack/mctrack/pkg/observability"
	"github.com/mctrack/mctrack/pkg/players"
)

const testAPIKey = "mct_testkey123"

type stubScopeStore struct {
	scope *middleware.Scope
}

func (s *stubScopeStore) LookupScope(_ context.Context, _ string) (*middleware.Scope, error) {
	if s.scope == nil {
		return nil, middleware.ErrKeyNotFound
	}
	return s.scope, nil
}

func (s *stubScopeStore) TouchAPIKey(_ context.Context, _ string) error { return nil }

type serverFixture struct {
	server   *Server
	writer   *fakeWriter
	buffer   *EventBuffer
	registry *SessionRegistry
	mock     sqlmock.Sqlmock
	mr       *miniredis.Miniredis
}

func newServerFixture(t *testing.T, scope *middleware.Scope) *serverFixture {
	t.Helper()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(nil)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	registry := NewSessionRegistry(client, time.Hour)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.MatchExpectationsInOrder(false)

	writer := &fakeWriter{}
	buffer := NewEventBuffer(writer, BufferConfig{MaxSize: 100, FlushInterval: time.Hour}, logger, metrics)

	// The queue is intentionally never started: enqueued upserts just
	// accumulate in the channel so tests stay synchronous.
	upserts := players.NewUpsertQueue(players.NewDirectory(nil, logger), 64, 1, logger, metrics)

	auth := middleware.NewAPIKeyAuth(&stubScopeStore{scope: scope}, nil, logger)

	ratelimit := middleware.NewRateLimiter(client, 1000, logger, metrics)

	server := NewServer(registry, NewSessionStore(db), buffer, upserts,
		geoip.NewStaticResolver(geoip.UnknownCountry), auth, ratelimit, logger, metrics)

	return &serverFixture{
		server:   server,
		writer:   writer,
		buffer:   buffer,
		registry: registry,
		mock:     mock,
		mr:       mr,
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-API-Key", testAPIKey)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func defaultScope() *middleware.Scope {
	return &middleware.Scope{
		APIKeyID:  "key-1",
		NetworkID: "11111111-1111-1111-1111-111111111111",
	}
}

func TestBatchRequiresAPIKey(t *testing.T) {
	f := newServerFixture(t, defaultScope())

	req := httptest.NewRequest(http.MethodPost, "/session/batch", bytes.NewReader([]byte("{}")))
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBatchEmptyPayload(t *testing.T) {
	f := newServerFixture(t, defaultScope())

	rec := f.do(t, http.MethodPost, "/session/batch", BatchRequest{})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 0, resp.Processed)
}

func TestBatchOverCapacityRejected(t *testing.T) {
	f := newServerFixture(t, defaultScope())

	batch := BatchRequest{}
	for i := 0; i <= MaxBatchEvents; i++ {
		batch.Heartbeats = append(batch.Heartbeats, HeartbeatEvent{SessionUUID: "s"})
	}

	rec := f.do(t, http.MethodPost, "/session/batch", batch)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeBatchTooLarge)

	// Nothing was processed before the rejection.
	require.NoError(t, f.buffer.Flush(context.Background()))
	assert.Empty(t, f.writer.sessionBatches())
}

func TestBatchProcessesMixedEvents(t *testing.T) {
	f := newServerFixture(t, defaultScope())

	ts := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)

	// heartbeat and payment hit the store directly.
	f.mock.ExpectExec("UPDATE network_sessions").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("INSERT INTO payments").WillReturnResult(sqlmock.NewResult(0, 1))

	batch := BatchRequest{
		SessionStarts: []SessionStartEvent{{
			PlayerUUID: "069a79f4-44e9-4726-a5be-fca90e38aaf5",
			PlayerName: "Notch",
			Domain:     "play.example.com",
			IPAddress:  "203.0.113.7",
			Platform:   PlatformJava,
			Timestamp:  &ts,
		}},
		Heartbeats:      []HeartbeatEvent{{SessionUUID: "other-session"}},
		GamemodeChanges: []GamemodeChangeEvent{{SessionUUID: "whatever"}},
		Payments: []PaymentEvent{{
			PaymentUUID: "pay-1",
			PlayerUUID:  "069a79f444e94726a5befca90e38aaf5",
			PlayerName:  "Notch",
			Amount:      4.99,
		}},
	}

	rec := f.do(t, http.MethodPost, "/session/batch", batch)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 4, resp.Processed)

	// The session start is buffered, not written synchronously.
	require.NoError(t, f.buffer.Flush(context.Background()))
	batches := f.writer.sessionBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)

	row := batches[0][0]
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", row.NetworkID)
	assert.Equal(t, "069a79f444e94726a5befca90e38aaf5", row.PlayerUUID)
	assert.Equal(t, geoip.UnknownCountry, row.PlayerCountry)
	assert.True(t, row.StartTime.Equal(ts))
	assert.True(t, row.LastHeartbeat.Equal(ts))
	assert.NotEmpty(t, row.SessionUUID)

	// And registered for follow-up events.
	sc, err := f.registry.Get(context.Background(), row.SessionUUID)
	require.NoError(t, err)
	assert.Equal(t, row.PlayerUUID, sc.PlayerUUID)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestBatchValidationFailureIsIsolated(t *testing.T) {
	f := newServerFixture(t, defaultScope())

	f.mock.ExpectExec("INSERT INTO payments").WillReturnResult(sqlmock.NewResult(0, 1))

	batch := BatchRequest{
		SessionStarts: []SessionStartEvent{{
			// Missing playerUuid: dropped without touching the payment.
			PlayerName: "Ghost",
			Platform:   PlatformJava,
		}},
		Payments: []PaymentEvent{{
			PaymentUUID: "pay-1",
			PlayerName:  "Notch",
			Amount:      9.99,
		}},
	}

	rec := f.do(t, http.MethodPost, "/session/batch", batch)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Processed)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestBatchGamemodeStartWithoutScopeIsSkippedButCounted(t *testing.T) {
	f := newServerFixture(t, defaultScope()) // scope has no gamemode

	batch := BatchRequest{
		GamemodeSessionStarts: []GamemodeSessionStartEvent{{
			PlayerUUID: "p1",
			PlayerName: "Alice",
		}},
	}

	rec := f.do(t, http.MethodPost, "/session/batch", batch)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Processed)

	require.NoError(t, f.buffer.Flush(context.Background()))
	f.writer.mu.Lock()
	defer f.writer.mu.Unlock()
	assert.Empty(t, f.writer.gamemodes, "no gamemode session should be buffered")
}

func TestBatchGamemodeStartUsesScopeGamemode(t *testing.T) {
	scope := defaultScope()
	scope.GamemodeID = "22222222-2222-2222-2222-222222222222"
	f := newServerFixture(t, scope)

	batch := BatchRequest{
		GamemodeSessionStarts: []GamemodeSessionStartEvent{{
			PlayerUUID: "069a79f4-44e9-4726-a5be-fca90e38aaf5",
			PlayerName: "Notch",
			ServerName: "bedwars-01",
		}},
	}

	rec := f.do(t, http.MethodPost, "/session/batch", batch)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, f.buffer.Flush(context.Background()))
	f.writer.mu.Lock()
	defer f.writer.mu.Unlock()
	require.Len(t, f.writer.gamemodes, 1)
	require.Len(t, f.writer.gamemodes[0], 1)
	assert.Equal(t, scope.GamemodeID, f.writer.gamemodes[0][0].GamemodeID)
	assert.Equal(t, "bedwars-01", f.writer.gamemodes[0][0].ServerName)
}

func TestBatchServerSwitchCreatesGamemodeSession(t *testing.T) {
	f := newServerFixture(t, defaultScope())
	ctx := context.Background()

	require.NoError(t, f.registry.Put(ctx, "sess-1", SessionContext{
		NetworkID:  "11111111-1111-1111-1111-111111111111",
		PlayerUUID: "p1",
		PlayerName: "Alice",
		GamemodeID: "gm-1",
	}))

	f.mock.ExpectExec("UPDATE network_sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	batch := BatchRequest{
		ServerSwitches: []ServerSwitchEvent{{SessionUUID: "sess-1", ToServer: "skyblock-02"}},
	}

	rec := f.do(t, http.MethodPost, "/session/batch", batch)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Processed)

	require.NoError(t, f.buffer.Flush(ctx))
	f.writer.mu.Lock()
	defer f.writer.mu.Unlock()
	require.Len(t, f.writer.gamemodes, 1)
	assert.Equal(t, "gm-1", f.writer.gamemodes[0][0].GamemodeID)
	assert.Equal(t, "skyblock-02", f.writer.gamemodes[0][0].ServerName)
	assert.Equal(t, "Alice", f.writer.gamemodes[0][0].PlayerName)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSessionGamemodeStoreFailureBuffersNothing(t *testing.T) {
	f := newServerFixture(t, defaultScope())
	ctx := context.Background()

	require.NoError(t, f.registry.Put(ctx, "sess-1", SessionContext{
		NetworkID:  "11111111-1111-1111-1111-111111111111",
		PlayerUUID: "p1",
		PlayerName: "Alice",
	}))

	f.mock.ExpectExec("UPDATE network_sessions").WillReturnError(io.ErrUnexpectedEOF)

	rec := f.do(t, http.MethodPost, "/session/gamemode", map[string]string{
		"sessionUuid": "sess-1",
		"gamemodeId":  "gm-1",
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// The assign failed, so no gamemode session row may become durable.
	require.NoError(t, f.buffer.Flush(ctx))
	f.writer.mu.Lock()
	defer f.writer.mu.Unlock()
	assert.Empty(t, f.writer.gamemodes)
}

func TestBatchServerSwitchUnknownSessionSkippedButCounted(t *testing.T) {
	f := newServerFixture(t, defaultScope())

	batch := BatchRequest{
		ServerSwitches: []ServerSwitchEvent{{SessionUUID: "gone", ToServer: "lobby-01"}},
	}

	rec := f.do(t, http.MethodPost, "/session/batch", batch)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Processed)
}

func TestBatchSessionEndClosesAndDeregisters(t *testing.T) {
	f := newServerFixture(t, defaultScope())
	ctx := context.Background()

	require.NoError(t, f.registry.Put(ctx, "sess-1", SessionContext{NetworkID: "n1"}))
	f.mock.ExpectExec("UPDATE network_sessions").WillReturnResult(sqlmock.NewResult(0, 1))

	batch := BatchRequest{
		SessionEnds: []SessionEndEvent{{SessionUUID: "sess-1"}},
	}

	rec := f.do(t, http.MethodPost, "/session/batch", batch)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.False(t, f.mr.Exists("session:sess-1"), "registry entry should be deleted")
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSessionStartEndpoint(t *testing.T) {
	f := newServerFixture(t, defaultScope())

	rec := f.do(t, http.MethodPost, "/session/start", SessionStartEvent{
		PlayerUUID: "069a79f4-44e9-4726-a5be-fca90e38aaf5",
		PlayerName: "Notch",
		Domain:     "play.example.com",
		Platform:   PlatformJava,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["sessionUuid"])

	_, err := f.registry.Get(context.Background(), resp["sessionUuid"])
	assert.NoError(t, err)
}

func TestSessionEndEndpointUnknownSession(t *testing.T) {
	f := newServerFixture(t, defaultScope())

	rec := f.do(t, http.MethodPost, "/session/end", SessionEndEvent{SessionUUID: "gone"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), CodeSessionNotFound)
}

func TestSessionAuthEndpoint(t *testing.T) {
	scope := defaultScope()
	scope.GamemodeID = "gm-9"
	scope.GamemodeName = "BedWars"
	f := newServerFixture(t, scope)

	rec := f.do(t, http.MethodGet, "/session/auth", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got middleware.Scope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, scope.NetworkID, got.NetworkID)
	assert.Equal(t, "gm-9", got.GamemodeID)
	assert.Equal(t, "BedWars", got.GamemodeName)
}

func TestHealthEndpointUnauthenticated(t *testing.T) {
	f := newServerFixture(t, defaultScope())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
