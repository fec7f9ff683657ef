package shared

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ClientPool fans requests out across a fixed set of RateLimitedClients in
// round-robin order. All workers share a single RateMeter, so the pool as a
// whole never exceeds the meter's rolling-window budget regardless of size.
type ClientPool struct {
	clients []*RateLimitedClient
	meter   *RateMeter
	next    uint64
	closed  atomic.Bool
}

// NewClientPool creates a pool of workerCount clients sharing the given
// meter. Each worker enforces its own minimum delay between sends.
func NewClientPool(workerCount int, delay time.Duration, meter *RateMeter, httpClient *http.Client) *ClientPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	pool := &ClientPool{
		clients: make([]*RateLimitedClient, 0, workerCount),
		meter:   meter,
	}
	for i := 0; i < workerCount; i++ {
		pool.clients = append(pool.clients, NewRateLimitedClient(delay, meter, httpClient))
	}
	logrus.WithFields(logrus.Fields{
		"component": "ClientPool",
		"workers":   workerCount,
		"delay":     delay,
	}).Debug("Created rate limited client pool")
	return pool
}

// Size returns the number of workers in the pool.
func (p *ClientPool) Size() int {
	return len(p.clients)
}

// Meter returns the meter shared by the pool's workers.
func (p *ClientPool) Meter() *RateMeter {
	return p.meter
}

// Submit assigns the request to the next worker in round-robin order.
func (p *ClientPool) Submit(ctx context.Context, request *http.Request) *ResponseFuture {
	index := (atomic.AddUint64(&p.next, 1) - 1) % uint64(len(p.clients))
	return p.clients[index].Execute(ctx, request)
}

// MetricsSummary aggregates the per-worker counters.
func (p *ClientPool) MetricsSummary() RequestMetrics {
	var totalRequests, successfulRequests, failedRequests, retriedRequests int64
	var totalRequestTime time.Duration
	for _, client := range p.clients {
		snapshot := client.Metrics().Snapshot()
		totalRequests += snapshot.TotalRequests
		successfulRequests += snapshot.SuccessfulRequests
		failedRequests += snapshot.FailedRequests
		retriedRequests += snapshot.RetriedRequests
		totalRequestTime += snapshot.TotalRequestTime
	}
	return RequestMetrics{
		TotalRequests:      totalRequests,
		SuccessfulRequests: successfulRequests,
		FailedRequests:     failedRequests,
		RetriedRequests:    retriedRequests,
		TotalRequestTime:   totalRequestTime,
	}
}

// Shutdown stops every worker and cancels their outstanding futures. Safe to
// call more than once.
func (p *ClientPool) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, client := range p.clients {
		client.Close()
	}
	logrus.WithField("component", "ClientPool").Debug("Client pool shut down")
}
