package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/mctrack/mctrack/pkg/observability"
)

const (
	queueSessions         = "sessions"
	queueGamemodeSessions = "gamemode_sessions"
)

// SessionWriter is the durable sink the buffer flushes into.
type SessionWriter interface {
	InsertSessions(ctx context.Context, rows []SessionRow) error
	InsertGamemodeSessions(ctx context.Context, rows []GamemodeSessionRow) error
}

// Archiver receives each successfully flushed session batch for cold storage.
type Archiver interface {
	ArchiveSessions(ctx context.Context, rows []SessionRow) error
}

// BufferConfig tunes the event buffer.
type BufferConfig struct {
	// MaxSize triggers an early flush when either queue reaches it.
	MaxSize int
	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration
	// RetainedCap bounds how many records a failing queue may hold for
	// retry before the oldest are dropped.
	RetainedCap int
}

// EventBuffer batches session records so each analytics-store write
// amortizes over many events. Appends never block on a flush in
// progress: Flush detaches the queue under the lock and writes the
// detached batch outside it.
type EventBuffer struct {
	writer   SessionWriter
	archiver Archiver
	cfg      BufferConfig
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu        sync.Mutex
	sessions  []SessionRow
	gamemodes []GamemodeSessionRow

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewEventBuffer creates a buffer over the given writer.
func NewEventBuffer(writer SessionWriter, cfg BufferConfig, logger *observability.Logger, metrics *observability.Metrics) *EventBuffer {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.RetainedCap < cfg.MaxSize {
		cfg.RetainedCap = cfg.MaxSize * 10
	}
	return &EventBuffer{
		writer:  writer,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// SetArchiver attaches an optional cold-storage hook. Must be called
// before Start.
func (b *EventBuffer) SetArchiver(a Archiver) {
	b.archiver = a
}

// AddSession queues a session row for the next flush.
func (b *EventBuffer) AddSession(row SessionRow) {
	b.mu.Lock()
	b.sessions = append(b.sessions, row)
	n := len(b.sessions)
	b.mu.Unlock()

	b.metrics.BufferSize.WithLabelValues(queueSessions).Set(float64(n))
	if n >= b.cfg.MaxSize {
		b.requestFlush()
	}
}

// AddGamemodeSession queues a gamemode session row for the next flush.
func (b *EventBuffer) AddGamemodeSession(row GamemodeSessionRow) {
	b.mu.Lock()
	b.gamemodes = append(b.gamemodes, row)
	n := len(b.gamemodes)
	b.mu.Unlock()

	b.metrics.BufferSize.WithLabelValues(queueGamemodeSessions).Set(float64(n))
	if n >= b.cfg.MaxSize {
		b.requestFlush()
	}
}

func (b *EventBuffer) requestFlush() {
	select {
	case b.flushCh <- struct{}{}:
	default:
	}
}

// Start launches the background flusher.
func (b *EventBuffer) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run()
}

func (b *EventBuffer) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
		case <-b.flushCh:
		}
		if err := b.Flush(context.Background()); err != nil {
			b.logger.WithError(err).Error("event buffer flush failed")
		}
	}
}

// Stop halts the flusher and performs a final drain.
func (b *EventBuffer) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.started = false
		close(b.done)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return b.Flush(ctx)
}

// Flush writes both queues. A failed write puts the batch back at the
// head of its queue for the next attempt, dropping the oldest records
// beyond the retained cap.
func (b *EventBuffer) Flush(ctx context.Context) error {
	b.mu.Lock()
	sessions := b.sessions
	gamemodes := b.gamemodes
	b.sessions = nil
	b.gamemodes = nil
	b.mu.Unlock()

	var firstErr error

	if len(sessions) > 0 {
		if err := b.flushSessions(ctx, sessions); err != nil {
			firstErr = err
		}
	}
	if len(gamemodes) > 0 {
		if err := b.flushGamemodeSessions(ctx, gamemodes); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	b.mu.Lock()
	b.metrics.BufferSize.WithLabelValues(queueSessions).Set(float64(len(b.sessions)))
	b.metrics.BufferSize.WithLabelValues(queueGamemodeSessions).Set(float64(len(b.gamemodes)))
	b.mu.Unlock()

	return firstErr
}

func (b *EventBuffer) flushSessions(ctx context.Context, batch []SessionRow) error {
	start := time.Now()
	err := b.writer.InsertSessions(ctx, batch)
	b.metrics.BufferFlushDuration.WithLabelValues(queueSessions).Observe(time.Since(start).Seconds())

	if err != nil {
		b.metrics.BufferFlushesTotal.WithLabelValues(queueSessions, "error").Inc()

		b.mu.Lock()
		b.sessions = append(batch, b.sessions...)
		dropped := len(b.sessions) - b.cfg.RetainedCap
		if dropped > 0 {
			b.sessions = b.sessions[dropped:]
		}
		b.mu.Unlock()

		if dropped > 0 {
			b.metrics.BufferDroppedRecords.WithLabelValues(queueSessions).Add(float64(dropped))
			b.logger.WithFields(map[string]interface{}{
				"queue":   queueSessions,
				"dropped": dropped,
			}).Error("retained cap exceeded, dropping oldest records")
		}
		return err
	}

	b.metrics.BufferFlushesTotal.WithLabelValues(queueSessions, "success").Inc()
	b.metrics.BufferFlushedRecords.WithLabelValues(queueSessions).Add(float64(len(batch)))

	if b.archiver != nil {
		if err := b.archiver.ArchiveSessions(ctx, batch); err != nil {
			b.logger.WithError(err).Warn("session archive failed")
		}
	}
	return nil
}

func (b *EventBuffer) flushGamemodeSessions(ctx context.Context, batch []GamemodeSessionRow) error {
	start := time.Now()
	err := b.writer.InsertGamemodeSessions(ctx, batch)
	b.metrics.BufferFlushDuration.WithLabelValues(queueGamemodeSessions).Observe(time.Since(start).Seconds())

	if err != nil {
		b.metrics.BufferFlushesTotal.WithLabelValues(queueGamemodeSessions, "error").Inc()

		b.mu.Lock()
		b.gamemodes = append(batch, b.gamemodes...)
		dropped := len(b.gamemodes) - b.cfg.RetainedCap
		if dropped > 0 {
			b.gamemodes = b.gamemodes[dropped:]
		}
		b.mu.Unlock()

		if dropped > 0 {
			b.metrics.BufferDroppedRecords.WithLabelValues(queueGamemodeSessions).Add(float64(dropped))
			b.logger.WithFields(map[string]interface{}{
				"queue":   queueGamemodeSessions,
				"dropped": dropped,
			}).Error("retained cap exceeded, dropping oldest records")
		}
		return err
	}

	b.metrics.BufferFlushesTotal.WithLabelValues(queueGamemodeSessions, "success").Inc()
	b.metrics.BufferFlushedRecords.WithLabelValues(queueGamemodeSessions).Add(float64(len(batch)))
	return nil
}
