// Package analytics computes the daily rollup and cohort tables from raw
// session and payment records. Every job is a parameterized upsert keyed
// on its target table's primary key, so re-running a day overwrites the
// previous run's figures instead of double counting.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/mctrack/mctrack/pkg/observability"
)

// intArray adapts checkpoint lists for ANY() and unnest() parameters.
func intArray(v []int) interface{} {
	a := make(pq.Int64Array, len(v))
	for i, n := range v {
		a[i] = int64(n)
	}
	return a
}

// RetentionCheckpoints are the day offsets at which retention is measured.
var RetentionCheckpoints = []int{1, 3, 7, 14, 30, 60, 90}

// LTVHorizons are the day offsets at which cumulative revenue is measured.
var LTVHorizons = []int{1, 7, 14, 30, 60, 90}

// Aggregator runs the nightly aggregation jobs.
type Aggregator struct {
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAggregator creates an aggregator. metrics may be nil.
func NewAggregator(db *sql.DB, logger *observability.Logger, metrics *observability.Metrics) *Aggregator {
	return &Aggregator{db: db, logger: logger, metrics: metrics}
}

// RunAll executes every sub-job for the given date. Jobs run
// concurrently and independently: one failure never stops a sibling.
// The returned error joins all failures.
func (a *Aggregator) RunAll(ctx context.Context, date time.Time) error {
	day := date.Format("2006-01-02")

	jobs := []struct {
		name string
		fn   func(context.Context, string) error
	}{
		{"daily_rollups", a.AggregateDailyRollups},
		{"daily_rollups_segmented", a.AggregateDailyRollupsSegmented},
		{"retention_cohorts", a.AggregateRetentionCohorts},
		{"retention_cohorts_segmented", a.AggregateRetentionCohortsSegmented},
		{"ltv_cohorts", a.AggregateLTVCohorts},
		{"ltv_cohorts_segmented", a.AggregateLTVCohortsSegmented},
	}

	var g errgroup.Group
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			start := time.Now()
			err := job.fn(ctx, day)
			a.observe(job.name, start, err)
			if err != nil {
				a.logger.WithError(err).WithField("job", job.name).Error("aggregation job failed")
				return fmt.Errorf("%s: %w", job.name, err)
			}
			a.logger.WithFields(map[string]interface{}{
				"job":      job.name,
				"date":     day,
				"duration": time.Since(start).String(),
			}).Info("aggregation job completed")
			return nil
		})
	}
	return g.Wait()
}

func (a *Aggregator) observe(job string, start time.Time, err error) {
	if a.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	a.metrics.AggregationRunsTotal.WithLabelValues(job, outcome).Inc()
	a.metrics.AggregationDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

// AggregateDailyRollups computes per-network daily totals, then joins in
// payment revenue as a second pass. Peak CCU is intentionally left at 0
// here; the live dashboard computes concurrency from raw sessions.
func (a *Aggregator) AggregateDailyRollups(ctx context.Context, day string) error {
	rollup := `
		INSERT INTO daily_rollups (
			network_id, date, unique_players, total_sessions,
			total_playtime_minutes, peak_ccu, revenue)
		SELECT
			network_id,
			$1::date,
			COUNT(DISTINCT player_uuid),
			COUNT(*),
			COALESCE(SUM(CEIL(EXTRACT(EPOCH FROM (COALESCE(end_time, NOW()) - start_time)) / 60)), 0)::bigint,
			0,
			0
		FROM network_sessions
		WHERE start_time >= $1::date AND start_time < $1::date + INTERVAL '1 day'
		GROUP BY network_id
		ON CONFLICT (network_id, date) DO UPDATE SET
			unique_players = EXCLUDED.unique_players,
			total_sessions = EXCLUDED.total_sessions,
			total_playtime_minutes = EXCLUDED.total_playtime_minutes,
			peak_ccu = EXCLUDED.peak_ccu,
			revenue = EXCLUDED.revenue`

	if _, err := a.db.ExecContext(ctx, rollup, day); err != nil {
		return fmt.Errorf("rollup pass failed: %w", err)
	}

	revenue := `
		UPDATE daily_rollups r
		SET revenue = p.total
		FROM (
			SELECT network_id, SUM(amount) AS total
			FROM payments
			WHERE timestamp >= $1::date AND timestamp < $1::date + INTERVAL '1 day'
			GROUP BY network_id
		) p
		WHERE r.network_id = p.network_id AND r.date = $1::date`

	if _, err := a.db.ExecContext(ctx, revenue, day); err != nil {
		return fmt.Errorf("revenue pass failed: %w", err)
	}
	return nil
}

// AggregateDailyRollupsSegmented splits the daily totals by platform,
// bedrock device, and country, and adds a paying-player count. Payments
// attach to a segment through the player's sessions that day.
func (a *Aggregator) AggregateDailyRollupsSegmented(ctx context.Context, day string) error {
	query := `
		WITH day_sessions AS (
			SELECT
				network_id,
				platform,
				COALESCE(bedrock_device, '') AS bedrock_device,
				player_country,
				player_uuid,
				CEIL(EXTRACT(EPOCH FROM (COALESCE(end_time, NOW()) - start_time)) / 60) AS minutes
			FROM network_sessions
			WHERE start_time >= $1::date AND start_time < $1::date + INTERVAL '1 day'
		),
		segment_payments AS (
			SELECT
				s.network_id,
				s.platform,
				s.bedrock_device,
				s.player_country,
				COUNT(DISTINCT p.player_uuid) AS paying_players,
				SUM(p.amount) AS revenue
			FROM (
				SELECT DISTINCT network_id, platform, bedrock_device, player_country, player_uuid
				FROM day_sessions
			) s
			JOIN payments p
				ON p.network_id = s.network_id
				AND p.player_uuid = s.player_uuid
				AND p.timestamp >= $1::date AND p.timestamp < $1::date + INTERVAL '1 day'
			GROUP BY s.network_id, s.platform, s.bedrock_device, s.player_country
		)
		INSERT INTO daily_rollups_segmented (
			network_id, date, platform, bedrock_device, country,
			unique_players, paying_players, total_sessions,
			total_playtime_minutes, peak_ccu, revenue)
		SELECT
			a.network_id,
			$1::date,
			a.platform,
			a.bedrock_device,
			a.player_country,
			a.unique_players,
			COALESCE(p.paying_players, 0),
			a.total_sessions,
			a.total_playtime_minutes,
			0,
			COALESCE(p.revenue, 0)
		FROM (
			SELECT
				network_id, platform, bedrock_device, player_country,
				COUNT(DISTINCT player_uuid) AS unique_players,
				COUNT(*) AS total_sessions,
				COALESCE(SUM(minutes), 0)::bigint AS total_playtime_minutes
			FROM day_sessions
			GROUP BY network_id, platform, bedrock_device, player_country
		) a
		LEFT JOIN segment_payments p
			ON p.network_id = a.network_id
			AND p.platform = a.platform
			AND p.bedrock_device = a.bedrock_device
			AND p.player_country = a.player_country
		ON CONFLICT (network_id, date, platform, bedrock_device, country) DO UPDATE SET
			unique_players = EXCLUDED.unique_players,
			paying_players = EXCLUDED.paying_players,
			total_sessions = EXCLUDED.total_sessions,
			total_playtime_minutes = EXCLUDED.total_playtime_minutes,
			peak_ccu = EXCLUDED.peak_ccu,
			revenue = EXCLUDED.revenue`

	_, err := a.db.ExecContext(ctx, query, day)
	return err
}

// AggregateRetentionCohorts measures, for every cohort hitting a
// checkpoint offset on the run date, how many members played that day.
func (a *Aggregator) AggregateRetentionCohorts(ctx context.Context, day string) error {
	query := `
		WITH cohorts AS (
			SELECT network_id, player_uuid, MIN(start_time)::date AS cohort_date
			FROM network_sessions
			GROUP BY network_id, player_uuid
		)
		INSERT INTO retention_cohorts (
			network_id, cohort_date, days_since, cohort_size, returned_players)
		SELECT
			c.network_id,
			c.cohort_date,
			$1::date - c.cohort_date,
			COUNT(DISTINCT c.player_uuid),
			COUNT(DISTINCT s.player_uuid)
		FROM cohorts c
		LEFT JOIN network_sessions s
			ON s.network_id = c.network_id
			AND s.player_uuid = c.player_uuid
			AND s.start_time >= $1::date AND s.start_time < $1::date + INTERVAL '1 day'
		WHERE $1::date - c.cohort_date = ANY($2::int[])
		GROUP BY c.network_id, c.cohort_date
		ON CONFLICT (network_id, cohort_date, days_since) DO UPDATE SET
			cohort_size = EXCLUDED.cohort_size,
			returned_players = EXCLUDED.returned_players`

	_, err := a.db.ExecContext(ctx, query, day, intArray(RetentionCheckpoints))
	return err
}

// AggregateRetentionCohortsSegmented is the retention job split by each
// player's first-seen platform, device, and country. First-seen values
// use the earliest session, tie-broken by session UUID so reruns pick
// the same segment.
func (a *Aggregator) AggregateRetentionCohortsSegmented(ctx context.Context, day string) error {
	query := `
		WITH cohorts AS (
			SELECT
				network_id,
				player_uuid,
				MIN(start_time)::date AS cohort_date,
				(array_agg(platform ORDER BY start_time, session_uuid))[1] AS platform,
				(array_agg(COALESCE(bedrock_device, '') ORDER BY start_time, session_uuid))[1] AS bedrock_device,
				(array_agg(player_country ORDER BY start_time, session_uuid))[1] AS country
			FROM network_sessions
			GROUP BY network_id, player_uuid
		)
		INSERT INTO retention_cohorts_segmented (
			network_id, cohort_date, days_since, platform, bedrock_device,
			country, cohort_size, returned_players)
		SELECT
			c.network_id,
			c.cohort_date,
			$1::date - c.cohort_date,
			c.platform,
			c.bedrock_device,
			c.country,
			COUNT(DISTINCT c.player_uuid),
			COUNT(DISTINCT s.player_uuid)
		FROM cohorts c
		LEFT JOIN network_sessions s
			ON s.network_id = c.network_id
			AND s.player_uuid = c.player_uuid
			AND s.start_time >= $1::date AND s.start_time < $1::date + INTERVAL '1 day'
		WHERE $1::date - c.cohort_date = ANY($2::int[])
		GROUP BY c.network_id, c.cohort_date, c.platform, c.bedrock_device, c.country
		ON CONFLICT (network_id, cohort_date, days_since, platform, bedrock_device, country) DO UPDATE SET
			cohort_size = EXCLUDED.cohort_size,
			returned_players = EXCLUDED.returned_players`

	_, err := a.db.ExecContext(ctx, query, day, intArray(RetentionCheckpoints))
	return err
}

// AggregateLTVCohorts accumulates revenue per cohort at each horizon
// that has fully elapsed by the run date.
func (a *Aggregator) AggregateLTVCohorts(ctx context.Context, day string) error {
	query := `
		WITH cohorts AS (
			SELECT network_id, player_uuid, MIN(start_time)::date AS cohort_date
			FROM network_sessions
			GROUP BY network_id, player_uuid
		)
		INSERT INTO ltv_cohorts (
			network_id, cohort_date, days_since, cohort_size, paying_players,
			cumulative_revenue)
		SELECT
			c.network_id,
			c.cohort_date,
			h.days_since,
			COUNT(DISTINCT c.player_uuid),
			COUNT(DISTINCT p.player_uuid),
			COALESCE(SUM(p.amount), 0)
		FROM cohorts c
		CROSS JOIN (SELECT unnest($2::int[]) AS days_since) h
		LEFT JOIN payments p
			ON p.network_id = c.network_id
			AND p.player_uuid = c.player_uuid
			AND p.timestamp::date <= c.cohort_date + h.days_since
		WHERE c.cohort_date + h.days_since <= $1::date
		GROUP BY c.network_id, c.cohort_date, h.days_since
		ON CONFLICT (network_id, cohort_date, days_since) DO UPDATE SET
			cohort_size = EXCLUDED.cohort_size,
			paying_players = EXCLUDED.paying_players,
			cumulative_revenue = EXCLUDED.cumulative_revenue`

	_, err := a.db.ExecContext(ctx, query, day, intArray(LTVHorizons))
	return err
}

// AggregateLTVCohortsSegmented is the LTV job split by first-seen segment.
func (a *Aggregator) AggregateLTVCohortsSegmented(ctx context.Context, day string) error {
	query := `
		WITH cohorts AS (
			SELECT
				network_id,
				player_uuid,
				MIN(start_time)::date AS cohort_date,
				(array_agg(platform ORDER BY start_time, session_uuid))[1] AS platform,
				(array_agg(COALESCE(bedrock_device, '') ORDER BY start_time, session_uuid))[1] AS bedrock_device,
				(array_agg(player_country ORDER BY start_time, session_uuid))[1] AS country
			FROM network_sessions
			GROUP BY network_id, player_uuid
		)
		INSERT INTO ltv_cohorts_segmented (
			network_id, cohort_date, days_since, platform, bedrock_device,
			country, cohort_size, paying_players, cumulative_revenue)
		SELECT
			c.network_id,
			c.cohort_date,
			h.days_since,
			c.platform,
			c.bedrock_device,
			c.country,
			COUNT(DISTINCT c.player_uuid),
			COUNT(DISTINCT p.player_uuid),
			COALESCE(SUM(p.amount), 0)
		FROM cohorts c
		CROSS JOIN (SELECT unnest($2::int[]) AS days_since) h
		LEFT JOIN payments p
			ON p.network_id = c.network_id
			AND p.player_uuid = c.player_uuid
			AND p.timestamp::date <= c.cohort_date + h.days_since
		WHERE c.cohort_date + h.days_since <= $1::date
		GROUP BY c.network_id, c.cohort_date, h.days_since, c.platform, c.bedrock_device, c.country
		ON CONFLICT (network_id, cohort_date, days_since, platform, bedrock_device, country) DO UPDATE SET
			cohort_size = EXCLUDED.cohort_size,
			paying_players = EXCLUDED.paying_players,
			cumulative_revenue = EXCLUDED.cumulative_revenue`

	_, err := a.db.ExecContext(ctx, query, day, intArray(LTVHorizons))
	return err
}

// CloseStaleSessions reconciles sessions whose end event never arrived:
// anything still open with a heartbeat older than the cutoff is closed
// at its last heartbeat. The cutoff must exceed the session registry TTL
// so a live session can never be swept.
func (a *Aggregator) CloseStaleSessions(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)

	result, err := a.db.ExecContext(ctx, `
		UPDATE network_sessions
		SET end_time = last_heartbeat
		WHERE end_time IS NULL AND last_heartbeat < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("stale session sweep failed: %w", err)
	}

	closed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if closed > 0 {
		a.logger.WithField("closed", closed).Info("closed stale sessions")
	}
	return closed, nil
}
