package shared

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RequestMetrics tracks request outcomes for one mirror run.
type RequestMetrics struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	RetriedRequests    int64         `json:"retried_requests"`
	TotalRequestTime   time.Duration `json:"total_request_time"`
	LastUpdated        time.Time     `json:"last_updated"`
	mutex              sync.Mutex
}

// NewRequestMetrics creates a fresh metrics tracker.
func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{LastUpdated: time.Now()}
}

// RecordRequest records one request with its success status and duration.
func (m *RequestMetrics) RecordRequest(success bool, elapsed time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.TotalRequests++
	m.TotalRequestTime += elapsed
	if success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
	}
	m.LastUpdated = time.Now()
}

// RecordRetry counts a retried request.
func (m *RequestMetrics) RecordRetry() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.RetriedRequests++
	m.LastUpdated = time.Now()
}

// SuccessRate returns the success rate as a percentage.
func (m *RequestMetrics) SuccessRate() float64 {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.TotalRequests == 0 {
		return 0.0
	}
	return float64(m.SuccessfulRequests) / float64(m.TotalRequests) * 100.0
}

// Snapshot returns a copy of the counters.
func (m *RequestMetrics) Snapshot() RequestMetrics {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return RequestMetrics{
		TotalRequests:      m.TotalRequests,
		SuccessfulRequests: m.SuccessfulRequests,
		FailedRequests:     m.FailedRequests,
		RetriedRequests:    m.RetriedRequests,
		TotalRequestTime:   m.TotalRequestTime,
		LastUpdated:        m.LastUpdated,
	}
}

// LogSummary logs the counters for the given component.
func (m *RequestMetrics) LogSummary(component string) {
	snapshot := m.Snapshot()
	logrus.WithFields(logrus.Fields{
		"component":           component,
		"total_requests":      snapshot.TotalRequests,
		"successful_requests": snapshot.SuccessfulRequests,
		"failed_requests":     snapshot.FailedRequests,
		"retried_requests":    snapshot.RetriedRequests,
		"total_request_time":  snapshot.TotalRequestTime,
	}).Info("Request metrics summary")
}
