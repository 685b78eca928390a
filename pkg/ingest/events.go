package ingest

import (
	"strings"
	"time"
)

// Platform identifiers reported by the proxy plugin.
const (
	PlatformJava    = "java"
	PlatformBedrock = "bedrock"
)

// SessionStartEvent announces a player connecting to the network.
type SessionStartEvent struct {
	SessionUUID   string     `json:"sessionUuid,omitempty"`
	PlayerUUID    string     `json:"playerUuid"`
	PlayerName    string     `json:"playerName"`
	Domain        string     `json:"domain"`
	IPAddress     string     `json:"ipAddress"`
	ProxyID       string     `json:"proxyId,omitempty"`
	Platform      string     `json:"platform"`
	BedrockDevice string     `json:"bedrockDevice,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// SessionEndEvent closes an open network session.
type SessionEndEvent struct {
	SessionUUID string     `json:"sessionUuid"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// HeartbeatEvent signals that a session is still alive.
type HeartbeatEvent struct {
	SessionUUID string     `json:"sessionUuid"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// ServerSwitchEvent records a player moving between backend servers.
type ServerSwitchEvent struct {
	SessionUUID string     `json:"sessionUuid"`
	ToServer    string     `json:"toServer"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// GamemodeChangeEvent is reserved for a future plugin protocol revision.
// Events of this kind are accepted and counted but not acted upon.
type GamemodeChangeEvent struct {
	SessionUUID string `json:"sessionUuid"`
	GamemodeID  string `json:"gamemodeId,omitempty"`
}

// GamemodeSessionStartEvent opens a gamemode-scoped session.
type GamemodeSessionStartEvent struct {
	SessionUUID string     `json:"sessionUuid,omitempty"`
	GamemodeID  string     `json:"gamemodeId,omitempty"`
	PlayerUUID  string     `json:"playerUuid"`
	PlayerName  string     `json:"playerName"`
	ServerName  string     `json:"serverName,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// GamemodeSessionEndEvent closes a gamemode-scoped session.
type GamemodeSessionEndEvent struct {
	SessionUUID string     `json:"sessionUuid"`
	GamemodeID  string     `json:"gamemodeId,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// PaymentProduct is a line item attached to a payment.
type PaymentProduct struct {
	Name     string  `json:"name"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// PaymentEvent records a store purchase reported by the merchant webhook relay.
type PaymentEvent struct {
	PaymentUUID       string           `json:"paymentUuid"`
	MerchantPaymentID string           `json:"merchantPaymentId,omitempty"`
	PlayerUUID        string           `json:"playerUuid"`
	PlayerName        string           `json:"playerName"`
	Platform          string           `json:"platform,omitempty"`
	BedrockDevice     string           `json:"bedrockDevice,omitempty"`
	Country           string           `json:"country,omitempty"`
	Amount            float64          `json:"amount"`
	Currency          string           `json:"currency,omitempty"`
	Products          []PaymentProduct `json:"products,omitempty"`
	Timestamp         *time.Time       `json:"timestamp,omitempty"`
}

// BatchRequest is the combined payload flushed periodically by the plugin.
type BatchRequest struct {
	SessionStarts         []SessionStartEvent         `json:"sessionStarts"`
	SessionEnds           []SessionEndEvent           `json:"sessionEnds"`
	Heartbeats            []HeartbeatEvent            `json:"heartbeats"`
	ServerSwitches        []ServerSwitchEvent         `json:"serverSwitches"`
	GamemodeChanges       []GamemodeChangeEvent       `json:"gamemodeChanges"`
	GamemodeSessionStarts []GamemodeSessionStartEvent `json:"gamemodeSessionStarts"`
	GamemodeSessionEnds   []GamemodeSessionEndEvent   `json:"gamemodeSessionEnds"`
	Payments              []PaymentEvent              `json:"payments"`
}

// TotalEvents returns the event count across all arrays.
func (b *BatchRequest) TotalEvents() int {
	return len(b.SessionStarts) + len(b.SessionEnds) + len(b.Heartbeats) +
		len(b.ServerSwitches) + len(b.GamemodeChanges) +
		len(b.GamemodeSessionStarts) + len(b.GamemodeSessionEnds) +
		len(b.Payments)
}

// SessionRow is a network session record bound for the analytics store.
type SessionRow struct {
	SessionUUID   string     `json:"session_uuid"`
	NetworkID     string     `json:"network_id"`
	PlayerUUID    string     `json:"player_uuid"`
	PlayerName    string     `json:"player_name"`
	ProxyID       string     `json:"proxy_id,omitempty"`
	GamemodeID    string     `json:"gamemode_id,omitempty"`
	Domain        string     `json:"domain"`
	IPAddress     string     `json:"ip_address"`
	PlayerCountry string     `json:"player_country"`
	Platform      string     `json:"platform"`
	BedrockDevice string     `json:"bedrock_device,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

// GamemodeSessionRow is a gamemode session record bound for the analytics store.
type GamemodeSessionRow struct {
	SessionUUID string     `json:"session_uuid"`
	GamemodeID  string     `json:"gamemode_id"`
	PlayerUUID  string     `json:"player_uuid"`
	PlayerName  string     `json:"player_name"`
	ServerName  string     `json:"server_name,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
}

// PaymentRow is a payment record bound for the analytics store.
type PaymentRow struct {
	PaymentUUID       string
	NetworkID         string
	MerchantPaymentID string
	PlayerUUID        string
	PlayerName        string
	Platform          string
	BedrockDevice     string
	Country           string
	Amount            float64
	Currency          string
	ProductsJSON      []byte
	Timestamp         time.Time
}

// NormalizePlayerUUID strips separators so both dashed and compact UUID
// forms map to the same directory key. Bedrock XUIDs pass through unchanged.
func NormalizePlayerUUID(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return b.String()
}

// eventTime returns the client-reported timestamp or now when absent.
func eventTime(ts *time.Time, now time.Time) time.Time {
	if ts != nil && !ts.IsZero() {
		return ts.UTC()
	}
	return now
}

func validPlatform(p string) bool {
	return p == PlatformJava || p == PlatformBedrock
}
