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

func newRecordingServer(status int, body string) (*httptest.Server, func() []time.Time) {
	var mutex sync.Mutex
	var arrivals []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		arrivals = append(arrivals, time.Now())
		mutex.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	snapshot := func() []time.Time {
		mutex.Lock()
		defer mutex.Unlock()
		return append([]time.Time(nil), arrivals...)
	}
	return server, snapshot
}

// TestRateLimitedClientReturnsResult verifies the basic execute path.
func TestRateLimitedClientReturnsResult(t *testing.T) {
	server, _ := newRecordingServer(http.StatusOK, `{"ok":true}`)
	defer server.Close()

	meter := NewRateMeter(5, time.Second)
	client := NewRateLimitedClient(0, meter, nil)
	defer client.Close()

	request, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	result, err := client.Execute(context.Background(), request).Result()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.True(t, result.OK())
	assert.JSONEq(t, `{"ok":true}`, string(result.Body))
}

// TestRateLimitedClientReportsNonOKAsResult verifies that non-2xx statuses
// surface as results, not errors.
func TestRateLimitedClientReportsNonOKAsResult(t *testing.T) {
	server, _ := newRecordingServer(http.StatusNotFound, "missing")
	defer server.Close()

	meter := NewRateMeter(5, time.Second)
	client := NewRateLimitedClient(0, meter, nil)
	defer client.Close()

	request, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	result, err := client.Execute(context.Background(), request).Result()
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, result.StatusCode)
	assert.False(t, result.OK())
}

// TestRateLimitedClientEnforcesMinimumDelay verifies the delay bound law:
// consecutive sends on the same worker are separated by at least the delay.
func TestRateLimitedClientEnforcesMinimumDelay(t *testing.T) {
	server, arrivals := newRecordingServer(http.StatusOK, "{}")
	defer server.Close()

	delay := 150 * time.Millisecond
	meter := NewRateMeter(10, 10*time.Second)
	client := NewRateLimitedClient(delay, meter, nil)
	defer client.Close()

	futures := make([]*ResponseFuture, 0, 3)
	for i := 0; i < 3; i++ {
		request, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		futures = append(futures, client.Execute(context.Background(), request))
	}
	for _, future := range futures {
		_, err := future.Result()
		require.NoError(t, err)
	}

	times := arrivals()
	require.Len(t, times, 3)
	slack := 30 * time.Millisecond
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), delay-slack,
			"sends on one worker must honor the minimum delay")
	}
}

// TestRateLimitedClientFutureCancel verifies that cancelling a future aborts
// the in-flight request.
func TestRateLimitedClientFutureCancel(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	meter := NewRateMeter(5, time.Second)
	client := NewRateLimitedClient(0, meter, nil)
	defer client.Close()

	request, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	future := client.Execute(context.Background(), request)
	time.Sleep(50 * time.Millisecond)
	future.Cancel()

	result, err := future.Result()
	assert.Nil(t, result)
	require.Error(t, err)
}

// TestRateLimitedClientCloseCancelsOutstanding verifies that Close fails any
// queued execution instead of leaking it.
func TestRateLimitedClientCloseCancelsOutstanding(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	meter := NewRateMeter(5, time.Second)
	client := NewRateLimitedClient(0, meter, nil)

	futures := make([]*ResponseFuture, 0, 3)
	for i := 0; i < 3; i++ {
		request, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		futures = append(futures, client.Execute(context.Background(), request))
	}

	time.Sleep(50 * time.Millisecond)
	client.Close()

	for _, future := range futures {
		_, err := future.Result()
		assert.Error(t, err, "futures outstanding at Close must settle with an error")
	}

	// Execute after Close settles immediately.
	request, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	_, err = client.Execute(context.Background(), request).Result()
	assert.Error(t, err)
}
