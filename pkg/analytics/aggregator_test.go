package analytics

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mctrack/mctrack/pkg/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func TestNewAggregator(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	aggregator := NewAggregator(db, testLogger(), nil)
	if aggregator == nil {
		t.Fatal("Expected aggregator to be non-nil")
	}
	if aggregator.db != db {
		t.Error("Expected aggregator.db to match provided database")
	}
}

func TestAggregateDailyRollups(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	aggregator := NewAggregator(db, testLogger(), nil)
	day := "2026-08-31"

	mock.ExpectExec("INSERT INTO daily_rollups").
		WithArgs(day).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE daily_rollups").
		WithArgs(day).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := aggregator.AggregateDailyRollups(context.Background(), day); err != nil {
		t.Fatalf("AggregateDailyRollups failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestAggregateDailyRollupsRevenuePassFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	aggregator := NewAggregator(db, testLogger(), nil)
	day := "2026-08-31"

	mock.ExpectExec("INSERT INTO daily_rollups").
		WithArgs(day).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE daily_rollups").
		WithArgs(day).
		WillReturnError(errors.New("connection reset"))

	err = aggregator.AggregateDailyRollups(context.Background(), day)
	if err == nil {
		t.Fatal("Expected error from failed revenue pass")
	}
	if !strings.Contains(err.Error(), "revenue pass failed") {
		t.Errorf("Expected revenue pass error, got: %v", err)
	}
}

func TestAggregateDailyRollupsSegmented(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	aggregator := NewAggregator(db, testLogger(), nil)
	day := "2026-08-31"

	mock.ExpectExec("INSERT INTO daily_rollups_segmented").
		WithArgs(day).
		WillReturnResult(sqlmock.NewResult(0, 5))

	if err := aggregator.AggregateDailyRollupsSegmented(context.Background(), day); err != nil {
		t.Fatalf("AggregateDailyRollupsSegmented failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestAggregateRetentionCohorts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	aggregator := NewAggregator(db, testLogger(), nil)
	day := "2026-08-31"

	mock.ExpectExec("INSERT INTO retention_cohorts").
		WithArgs(day, intArray(RetentionCheckpoints)).
		WillReturnResult(sqlmock.NewResult(0, 7))

	if err := aggregator.AggregateRetentionCohorts(context.Background(), day); err != nil {
		t.Fatalf("AggregateRetentionCohorts failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestAggregateLTVCohorts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	aggregator := NewAggregator(db, testLogger(), nil)
	day := "2026-08-31"

	mock.ExpectExec("INSERT INTO ltv_cohorts").
		WithArgs(day, intArray(LTVHorizons)).
		WillReturnResult(sqlmock.NewResult(0, 6))

	if err := aggregator.AggregateLTVCohorts(context.Background(), day); err != nil {
		t.Fatalf("AggregateLTVCohorts failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestRunAllExecutesEveryJob(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	// Jobs run concurrently, so expectation order cannot be assumed.
	mock.MatchExpectationsInOrder(false)

	mock.ExpectExec(`INSERT INTO daily_rollups \(`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE daily_rollups").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO daily_rollups_segmented").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO retention_cohorts \(`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO retention_cohorts_segmented").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ltv_cohorts \(`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ltv_cohorts_segmented").WillReturnResult(sqlmock.NewResult(0, 1))

	aggregator := NewAggregator(db, testLogger(), nil)
	date := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	if err := aggregator.RunAll(context.Background(), date); err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestRunAllJobFailureDoesNotStopSiblings(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	mock.MatchExpectationsInOrder(false)

	mock.ExpectExec(`INSERT INTO daily_rollups \(`).WillReturnError(errors.New("table locked"))
	mock.ExpectExec("INSERT INTO daily_rollups_segmented").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO retention_cohorts \(`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO retention_cohorts_segmented").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO ltv_cohorts \(`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ltv_cohorts_segmented").WillReturnResult(sqlmock.NewResult(0, 1))

	aggregator := NewAggregator(db, testLogger(), nil)
	date := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)

	err = aggregator.RunAll(context.Background(), date)
	if err == nil {
		t.Fatal("Expected error from failed rollup job")
	}
	if !strings.Contains(err.Error(), "daily_rollups") {
		t.Errorf("Expected daily_rollups in error, got: %v", err)
	}

	// Every other job must still have run.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Sibling jobs did not all run: %v", err)
	}
}

func TestCloseStaleSessions(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock database: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE network_sessions").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 4))

	aggregator := NewAggregator(db, testLogger(), nil)

	closed, err := aggregator.CloseStaleSessions(context.Background(), 25*time.Hour)
	if err != nil {
		t.Fatalf("CloseStaleSessions failed: %v", err)
	}
	if closed != 4 {
		t.Errorf("Expected 4 closed sessions, got %d", closed)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}
