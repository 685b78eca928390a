// Package players maintains the per-network player directory and its
// campaign attribution.
package players

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mctrack/mctrack/pkg/observability"
)

// Upsert is one insert-or-touch request for the directory.
type Upsert struct {
	NetworkID     string
	PlayerUUID    string
	PlayerName    string
	Platform      string
	BedrockDevice string
	Country       string
	Domain        string
	SeenAt        time.Time
}

// Directory is the durable player roster keyed (network_id, player_uuid).
type Directory struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewDirectory creates a directory over an open database handle.
func NewDirectory(db *sql.DB, logger *observability.Logger) *Directory {
	return &Directory{db: db, logger: logger}
}

// Upsert inserts the player or touches name and last_seen on revisit.
// Campaign attribution runs only on first insert; campaign_id and
// first_seen are never rewritten afterwards.
func (d *Directory) Upsert(ctx context.Context, u Upsert) error {
	var device interface{}
	if u.BedrockDevice != "" {
		device = u.BedrockDevice
	}

	query := `
		INSERT INTO players (
			network_id, player_uuid, player_name, platform, bedrock_device,
			country, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (network_id, player_uuid) DO UPDATE SET
			player_name = EXCLUDED.player_name,
			last_seen = EXCLUDED.last_seen
		RETURNING (xmax = 0) AS inserted`

	var inserted bool
	err := d.db.QueryRowContext(ctx, query,
		u.NetworkID, u.PlayerUUID, u.PlayerName, u.Platform, device,
		u.Country, u.SeenAt).Scan(&inserted)
	if err != nil {
		return fmt.Errorf("failed to upsert player: %w", err)
	}

	if inserted {
		if err := d.attributeCampaign(ctx, u); err != nil {
			// Attribution is best effort; the player row is already durable.
			d.logger.WithError(err).WithField("player_uuid", u.PlayerUUID).
				Warn("campaign attribution failed")
		}
	}
	return nil
}

// attributeCampaign stamps the first active campaign whose domain filter
// matches the domain the player joined through. Campaigns are evaluated
// oldest first so earlier campaigns win ties.
func (d *Directory) attributeCampaign(ctx context.Context, u Upsert) error {
	if u.Domain == "" {
		return nil
	}

	query := `
		SELECT id, domain_filter
		FROM campaigns
		WHERE network_id = $1
		  AND archived_at IS NULL
		  AND start_date <= $2::date
		  AND end_date >= $2::date
		ORDER BY created_at`

	rows, err := d.db.QueryContext(ctx, query, u.NetworkID, u.SeenAt)
	if err != nil {
		return fmt.Errorf("failed to query campaigns: %w", err)
	}
	defer rows.Close()

	var campaignID string
	for rows.Next() {
		var id, filter string
		if err := rows.Scan(&id, &filter); err != nil {
			return fmt.Errorf("failed to scan campaign: %w", err)
		}
		if MatchDomain(u.Domain, filter) {
			campaignID = id
			break
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate campaigns: %w", err)
	}
	if campaignID == "" {
		return nil
	}

	update := `
		UPDATE players
		SET campaign_id = $3
		WHERE network_id = $1 AND player_uuid = $2 AND campaign_id IS NULL`

	if _, err := d.db.ExecContext(ctx, update, u.NetworkID, u.PlayerUUID, campaignID); err != nil {
		return fmt.Errorf("failed to stamp campaign: %w", err)
	}
	return nil
}

// MatchDomain reports whether the join domain satisfies a campaign's
// domain filter. Three forms are accepted, checked in order:
// an exact case-insensitive match, an explicit wildcard like
// "*.example.com" matching any subdomain, and a plain filter like
// "example.com" which also matches its subdomains.
func MatchDomain(domain, filter string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	filter = strings.ToLower(strings.TrimSuffix(filter, "."))
	if domain == "" || filter == "" {
		return false
	}

	if domain == filter {
		return true
	}
	if base, ok := strings.CutPrefix(filter, "*."); ok {
		return domain == base || strings.HasSuffix(domain, "."+base)
	}
	return strings.HasSuffix(domain, "."+filter)
}
