package shared

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openvulnfeed/nvd-mirror/models"
)

// requestQueueDepth bounds the number of executions waiting on a single
// worker before Execute blocks the submitter.
const requestQueueDepth = 256

// ResponseFuture is the pending result of a rate-limited execution. The
// future completes exactly once, with either a materialized HTTP result or an
// error; non-2xx statuses are results, not errors.
type ResponseFuture struct {
	done   chan struct{}
	result *models.HTTPResult
	err    error
	cancel context.CancelFunc
	once   sync.Once
}

func newResponseFuture(cancel context.CancelFunc) *ResponseFuture {
	return &ResponseFuture{done: make(chan struct{}), cancel: cancel}
}

// FailedFuture returns an already-settled future carrying err.
func FailedFuture(err error) *ResponseFuture {
	future := newResponseFuture(nil)
	future.complete(nil, err)
	return future
}

// Done returns a channel closed when the future completes.
func (f *ResponseFuture) Done() <-chan struct{} {
	return f.done
}

// Result blocks until completion and returns the outcome.
func (f *ResponseFuture) Result() (*models.HTTPResult, error) {
	<-f.done
	return f.result, f.err
}

// Completed reports whether the future has settled without blocking.
func (f *ResponseFuture) Completed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Cancel aborts the in-flight request. Completion is still signalled through
// the future with a cancellation error.
func (f *ResponseFuture) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *ResponseFuture) complete(result *models.HTTPResult, err error) {
	f.once.Do(func() {
		f.result = result
		f.err = err
		close(f.done)
	})
}

type queuedRequest struct {
	ctx     context.Context
	request *http.Request
	future  *ResponseFuture
}

// RateLimitedClient serializes HTTP executions on a single worker, enforcing
// a minimum delay between sends and gating every call through a shared
// RateMeter ticket. Parallelism comes from pooling several clients over one
// meter, not from the client itself.
type RateLimitedClient struct {
	httpClient *http.Client
	meter      *RateMeter
	delay      time.Duration
	metrics    *RequestMetrics

	queue      chan *queuedRequest
	workerDone chan struct{}

	// sendMutex fences queue sends against Close; closed flips exactly once.
	sendMutex sync.RWMutex
	closed    bool

	mutex       sync.Mutex
	outstanding map[*ResponseFuture]context.CancelFunc
	lastRequest time.Time
}

// NewRateLimitedClient creates a client with its worker started. The meter is
// shared with other clients in a pool; delay applies per worker.
func NewRateLimitedClient(delay time.Duration, meter *RateMeter, httpClient *http.Client) *RateLimitedClient {
	if httpClient == nil {
		httpClient = NewHTTPClient(0)
	}
	client := &RateLimitedClient{
		httpClient:  httpClient,
		meter:       meter,
		delay:       delay,
		metrics:     NewRequestMetrics(),
		queue:       make(chan *queuedRequest, requestQueueDepth),
		workerDone:  make(chan struct{}),
		outstanding: make(map[*ResponseFuture]context.CancelFunc),
	}
	go client.worker()
	return client
}

// Delay returns the minimum delay between sends on this worker.
func (c *RateLimitedClient) Delay() time.Duration {
	return c.delay
}

// LastRequestTime returns the timestamp of the worker's most recent send.
func (c *RateLimitedClient) LastRequestTime() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lastRequest
}

// Metrics returns the per-worker request counters.
func (c *RateLimitedClient) Metrics() *RequestMetrics {
	return c.metrics
}

// Execute queues the request on the worker and returns its future. Network
// failures and cancellation surface through the future; non-2xx responses are
// returned as results.
func (c *RateLimitedClient) Execute(ctx context.Context, request *http.Request) *ResponseFuture {
	requestCtx, cancel := context.WithCancel(ctx)
	future := newResponseFuture(cancel)

	c.sendMutex.RLock()
	defer c.sendMutex.RUnlock()
	if c.closed {
		cancel()
		future.complete(nil, NewServiceError(ErrorCategoryInterrupted, "CLIENT_CLOSED",
			"rate limited client is closed", "Execute", false, nil))
		return future
	}

	c.mutex.Lock()
	c.outstanding[future] = cancel
	c.mutex.Unlock()

	c.queue <- &queuedRequest{ctx: requestCtx, request: request, future: future}
	return future
}

// Close stops the worker and cancels every outstanding future. Safe to call
// more than once.
func (c *RateLimitedClient) Close() {
	c.mutex.Lock()
	for _, cancel := range c.outstanding {
		cancel()
	}
	c.mutex.Unlock()

	// Take the write side so no Execute is mid-send, then seal the queue.
	c.sendMutex.Lock()
	if !c.closed {
		c.closed = true
		close(c.queue)
	}
	c.sendMutex.Unlock()

	<-c.workerDone
}

func (c *RateLimitedClient) worker() {
	defer close(c.workerDone)
	for queued := range c.queue {
		c.process(queued)
	}
}

func (c *RateLimitedClient) process(queued *queuedRequest) {
	future := queued.future
	defer func() {
		c.mutex.Lock()
		delete(c.outstanding, future)
		c.mutex.Unlock()
	}()

	if err := queued.ctx.Err(); err != nil {
		future.complete(nil, WrapError(err, ErrorCategoryInterrupted, "REQUEST_CANCELLED", "process", false))
		return
	}

	if err := c.waitDelayGap(queued.ctx); err != nil {
		future.complete(nil, WrapError(err, ErrorCategoryInterrupted, "REQUEST_CANCELLED", "process", false))
		return
	}

	ticket, err := c.meter.Acquire(queued.ctx)
	if err != nil {
		future.complete(nil, WrapError(err, ErrorCategoryInterrupted, "ACQUIRE_CANCELLED", "process", false))
		return
	}
	defer ticket.Close()

	sendTime := time.Now()
	logrus.WithFields(logrus.Fields{
		"component": "RateLimitedClient",
		"url":       queued.request.URL.String(),
	}).Debug("Issuing rate limited request")

	response, err := c.httpClient.Do(queued.request.WithContext(queued.ctx))

	c.mutex.Lock()
	c.lastRequest = sendTime
	c.mutex.Unlock()

	if err != nil {
		c.metrics.RecordRequest(false, time.Since(sendTime))
		if queued.ctx.Err() != nil {
			future.complete(nil, WrapError(queued.ctx.Err(), ErrorCategoryInterrupted, "REQUEST_CANCELLED", "process", false))
			return
		}
		future.complete(nil, WrapError(err, ErrorCategoryNetwork, "REQUEST_FAILED", "process", true))
		return
	}

	body, readErr := io.ReadAll(response.Body)
	closeErr := response.Body.Close()
	if readErr != nil {
		c.metrics.RecordRequest(false, time.Since(sendTime))
		future.complete(nil, WrapError(readErr, ErrorCategoryNetwork, "BODY_READ_FAILED", "process", true))
		return
	}
	if closeErr != nil {
		logrus.WithField("component", "RateLimitedClient").Warnf("Failed to close response body: %v", closeErr)
	}

	result := &models.HTTPResult{
		StatusCode:  response.StatusCode,
		ContentType: response.Header.Get("Content-Type"),
		Body:        body,
	}
	c.metrics.RecordRequest(result.OK(), time.Since(sendTime))
	future.complete(result, nil)
}

// waitDelayGap sleeps out the remainder of the minimum delay since this
// worker's previous send.
func (c *RateLimitedClient) waitDelayGap(ctx context.Context) error {
	if c.delay <= 0 {
		return nil
	}
	c.mutex.Lock()
	last := c.lastRequest
	c.mutex.Unlock()
	if last.IsZero() {
		return nil
	}
	remaining := c.delay - time.Since(last)
	if remaining <= 0 {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"component": "RateLimitedClient",
		"wait":      remaining,
	}).Debug("Enforcing minimum request delay")

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
