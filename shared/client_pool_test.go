package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClientPoolCompletesAllRequestsWithinRateBudget is the two-worker
// scenario: a meter of (2, window) shared by two workers must complete all
// requests while never exceeding two sends per rolling window, which puts a
// floor on the total wall time.
func TestClientPoolCompletesAllRequestsWithinRateBudget(t *testing.T) {
	var mutex sync.Mutex
	var sends []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		sends = append(sends, time.Now())
		mutex.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	}))
	defer server.Close()

	window := 400 * time.Millisecond
	meter := NewRateMeter(2, window)
	pool := NewClientPool(2, 0, meter, nil)
	defer pool.Shutdown()

	const requestCount = 6
	start := time.Now()
	futures := make([]*ResponseFuture, 0, requestCount)
	for i := 0; i < requestCount; i++ {
		request, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		futures = append(futures, pool.Submit(context.Background(), request))
	}
	for _, future := range futures {
		result, err := future.Result()
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, result.StatusCode)
	}
	elapsed := time.Since(start)

	// ceil(6/2)=3 full windows are needed; the last window need not elapse.
	slack := 50 * time.Millisecond
	minimum := 2 * window
	assert.GreaterOrEqual(t, elapsed, minimum-slack, "rate budget puts a floor on total wall time")

	mutex.Lock()
	defer mutex.Unlock()
	require.Len(t, sends, requestCount)
	for i := 0; i+2 < len(sends); i++ {
		assert.GreaterOrEqual(t, sends[i+2].Sub(sends[i]), window-slack,
			"no rolling window may contain more than two sends")
	}
}

// TestClientPoolRoundRobinDistribution verifies fair worker assignment.
func TestClientPoolRoundRobinDistribution(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	meter := NewRateMeter(50, time.Second)
	pool := NewClientPool(3, 0, meter, nil)
	defer pool.Shutdown()

	futures := make([]*ResponseFuture, 0, 9)
	for i := 0; i < 9; i++ {
		request, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		futures = append(futures, pool.Submit(context.Background(), request))
	}
	for _, future := range futures {
		_, err := future.Result()
		require.NoError(t, err)
	}

	for _, client := range pool.clients {
		snapshot := client.Metrics().Snapshot()
		assert.Equal(t, int64(3), snapshot.TotalRequests, "round robin should spread requests evenly")
	}
}

// TestClientPoolForcedSingleWorker verifies pool sizing floors at one.
func TestClientPoolForcedSingleWorker(t *testing.T) {
	meter := NewRateMeter(5, time.Second)
	pool := NewClientPool(0, 0, meter, nil)
	defer pool.Shutdown()
	assert.Equal(t, 1, pool.Size())
}

// TestClientPoolShutdownCancelsInFlight is the close-with-work-in-flight
// scenario: futures in flight at shutdown settle cancelled and no further
// network events occur.
func TestClientPoolShutdownCancelsInFlight(t *testing.T) {
	var mutex sync.Mutex
	requestCount := 0
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		requestCount++
		mutex.Unlock()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	meter := NewRateMeter(10, time.Second)
	pool := NewClientPool(3, 0, meter, nil)

	futures := make([]*ResponseFuture, 0, 3)
	for i := 0; i < 3; i++ {
		request, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		futures = append(futures, pool.Submit(context.Background(), request))
	}

	time.Sleep(100 * time.Millisecond)
	pool.Shutdown()

	for _, future := range futures {
		_, err := future.Result()
		assert.Error(t, err, "in-flight futures must observe cancellation")
	}

	mutex.Lock()
	seen := requestCount
	mutex.Unlock()
	time.Sleep(100 * time.Millisecond)
	mutex.Lock()
	assert.Equal(t, seen, requestCount, "no further network events after shutdown")
	mutex.Unlock()
}
