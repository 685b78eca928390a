package players

import (
	"context"
	"sync"
	"time"

	"github.com/mctrack/mctrack/pkg/observability"
)

const upsertTimeout = 5 * time.Second

// UpsertQueue runs directory upserts off the request path. The channel
// is bounded: when it is full Enqueue drops the request and counts it
// rather than blocking ingestion.
type UpsertQueue struct {
	directory *Directory
	logger    *observability.Logger
	metrics   *observability.Metrics

	ch      chan Upsert
	workers int
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewUpsertQueue creates a queue with the given capacity and worker count.
func NewUpsertQueue(directory *Directory, size, workers int, logger *observability.Logger, metrics *observability.Metrics) *UpsertQueue {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	return &UpsertQueue{
		directory: directory,
		logger:    logger,
		metrics:   metrics,
		ch:        make(chan Upsert, size),
		workers:   workers,
	}
}

// Start launches the worker pool.
func (q *UpsertQueue) Start() {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Enqueue submits an upsert without blocking. Returns false when the
// queue is full or closed and the request was dropped.
func (q *UpsertQueue) Enqueue(u Upsert) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.metrics.UpsertDroppedTotal.Inc()
		return false
	}

	select {
	case q.ch <- u:
		q.metrics.UpsertQueueDepth.Inc()
		return true
	default:
		q.metrics.UpsertDroppedTotal.Inc()
		q.logger.WithField("player_uuid", u.PlayerUUID).Warn("upsert queue full, dropping player upsert")
		return false
	}
}

// Close stops accepting work and drains the queue. Enqueue calls after
// Close are dropped rather than panicking on the closed channel.
func (q *UpsertQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *UpsertQueue) worker() {
	defer q.wg.Done()

	for u := range q.ch {
		q.metrics.UpsertQueueDepth.Dec()

		ctx, cancel := context.WithTimeout(context.Background(), upsertTimeout)
		err := q.directory.Upsert(ctx, u)
		cancel()

		if err != nil {
			q.metrics.UpsertFailedTotal.Inc()
			q.logger.WithError(err).WithFields(map[string]interface{}{
				"network_id":  u.NetworkID,
				"player_uuid": u.PlayerUUID,
			}).Error("player upsert failed")
		}
	}
}
