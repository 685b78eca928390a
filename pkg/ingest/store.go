package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// SessionStore writes session, gamemode session, and payment records to
// the analytics store.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore creates a store over an open database handle.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// InsertSessions writes a batch of session rows in a single statement.
func (s *SessionStore) InsertSessions(ctx context.Context, rows []SessionRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 13
	placeholders := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)

	for i, row := range rows {
		base := i * cols
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			row.SessionUUID, row.NetworkID, row.PlayerUUID, row.PlayerName,
			nullable(row.ProxyID), nullable(row.GamemodeID), row.Domain,
			row.IPAddress, row.PlayerCountry, row.Platform,
			nullable(row.BedrockDevice), row.StartTime, row.LastHeartbeat)
	}

	query := `
		INSERT INTO network_sessions (
			session_uuid, network_id, player_uuid, player_name, proxy_id,
			gamemode_id, domain, ip_address, player_country, platform,
			bedrock_device, start_time, last_heartbeat)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT (session_uuid) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &TransientStoreError{Op: "insert sessions", Err: err}
	}
	return nil
}

// InsertGamemodeSessions writes a batch of gamemode session rows.
func (s *SessionStore) InsertGamemodeSessions(ctx context.Context, rows []GamemodeSessionRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 6
	placeholders := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*cols)

	for i, row := range rows {
		base := i * cols
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
		args = append(args,
			row.SessionUUID, row.GamemodeID, row.PlayerUUID, row.PlayerName,
			nullable(row.ServerName), row.StartTime)
	}

	query := `
		INSERT INTO gamemode_sessions (
			session_uuid, gamemode_id, player_uuid, player_name, server_name,
			start_time)
		VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT (session_uuid) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return &TransientStoreError{Op: "insert gamemode sessions", Err: err}
	}
	return nil
}

// CloseSession sets end_time once. Already-closed sessions are untouched
// so a replayed end event cannot shorten or extend a session.
func (s *SessionStore) CloseSession(ctx context.Context, sessionUUID string, endTime time.Time) error {
	query := `
		UPDATE network_sessions
		SET end_time = $2
		WHERE session_uuid = $1 AND end_time IS NULL`

	if _, err := s.db.ExecContext(ctx, query, sessionUUID, endTime); err != nil {
		return &TransientStoreError{Op: "close session", Err: err}
	}
	return nil
}

// RecordHeartbeat advances last_heartbeat. GREATEST keeps the column
// monotonic under reordered delivery.
func (s *SessionStore) RecordHeartbeat(ctx context.Context, sessionUUID string, ts time.Time) error {
	query := `
		UPDATE network_sessions
		SET last_heartbeat = GREATEST(last_heartbeat, $2)
		WHERE session_uuid = $1`

	if _, err := s.db.ExecContext(ctx, query, sessionUUID, ts); err != nil {
		return &TransientStoreError{Op: "record heartbeat", Err: err}
	}
	return nil
}

// AssignGamemode updates the parent session's current gamemode.
func (s *SessionStore) AssignGamemode(ctx context.Context, sessionUUID, gamemodeID string) error {
	query := `
		UPDATE network_sessions
		SET gamemode_id = $2
		WHERE session_uuid = $1`

	if _, err := s.db.ExecContext(ctx, query, sessionUUID, gamemodeID); err != nil {
		return &TransientStoreError{Op: "assign gamemode", Err: err}
	}
	return nil
}

// CloseGamemodeSession sets the gamemode session's end_time once.
func (s *SessionStore) CloseGamemodeSession(ctx context.Context, sessionUUID string, endTime time.Time) error {
	query := `
		UPDATE gamemode_sessions
		SET end_time = $2
		WHERE session_uuid = $1 AND end_time IS NULL`

	if _, err := s.db.ExecContext(ctx, query, sessionUUID, endTime); err != nil {
		return &TransientStoreError{Op: "close gamemode session", Err: err}
	}
	return nil
}

// InsertPayment writes a single payment record. Replayed webhook
// deliveries are deduplicated on payment_uuid.
func (s *SessionStore) InsertPayment(ctx context.Context, row PaymentRow) error {
	query := `
		INSERT INTO payments (
			payment_uuid, network_id, merchant_payment_id, player_uuid,
			player_name, platform, bedrock_device, country, amount, currency,
			products, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (payment_uuid) DO NOTHING`

	products := row.ProductsJSON
	if len(products) == 0 {
		products = []byte("[]")
	}

	_, err := s.db.ExecContext(ctx, query,
		row.PaymentUUID, row.NetworkID, nullable(row.MerchantPaymentID),
		row.PlayerUUID, row.PlayerName, row.Platform,
		nullable(row.BedrockDevice), row.Country, row.Amount, row.Currency,
		products, row.Timestamp)
	if err != nil {
		return &TransientStoreError{Op: "insert payment", Err: err}
	}
	return nil
}
