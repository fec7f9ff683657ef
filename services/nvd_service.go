package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/openvulnfeed/nvd-mirror/models"
	"github.com/openvulnfeed/nvd-mirror/shared"
)

// apiKeyHeader is the header name the NVD API expects for authenticated
// calls.
const apiKeyHeader = "apiKey"

// Rolling-window budgets published by the NVD: 5 requests per 30 seconds
// without an API key, 50 with one. The window is padded slightly to stay
// under the published limit.
const (
	rateWindowMilliseconds  = 32500
	rateQuantityWithoutKey  = 5
	rateQuantityWithKey     = 50
	defaultNvdEndpoint      = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	defaultResultsPerPage   = 2000
	maxResultsPerPage       = 2000
	defaultDelayWithKey     = 600 * time.Millisecond
	defaultDelayWithoutKey  = 6500 * time.Millisecond
	maxLastModifiedRangeDur = 120 * 24 * time.Hour
)

// CveFilter is a querystring filter accepted by the NVD CVE API.
type CveFilter string

const (
	FilterCpeName            CveFilter = "cpeName"
	FilterCveID              CveFilter = "cveId"
	FilterCvssV2Metrics      CveFilter = "cvssV2Metrics"
	FilterCvssV3Metrics      CveFilter = "cvssV3Metrics"
	FilterCweID              CveFilter = "cweId"
	FilterKeywordExactMatch  CveFilter = "keywordExactMatch"
	FilterKeywordSearch      CveFilter = "keywordSearch"
	FilterVirtualMatchString CveFilter = "virtualMatchString"
)

// BooleanCveFilter is a presence-only querystring filter.
type BooleanCveFilter string

const (
	FilterHasCertAlerts BooleanCveFilter = "hasCertAlerts"
	FilterHasCertNotes  BooleanCveFilter = "hasCertNotes"
	FilterHasKev        BooleanCveFilter = "hasKev"
	FilterHasOval       BooleanCveFilter = "hasOval"
	FilterIsVulnerable  BooleanCveFilter = "isVulnerable"
	FilterNoRejected    BooleanCveFilter = "noRejected"
)

// VersionRangeType qualifies a versionStart/versionEnd bound.
type VersionRangeType string

const (
	VersionRangeIncluding VersionRangeType = "INCLUDING"
	VersionRangeExcluding VersionRangeType = "EXCLUDING"
)

var cvssV2Severities = []string{"LOW", "MEDIUM", "HIGH"}
var cvssV3Severities = []string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

// ClientState tracks the paged client's lifecycle.
type ClientState int

const (
	StateFresh ClientState = iota
	StatePriming
	StateStreaming
	StateDrained
	StateTerminated
	StateClosed
)

// String renders the state for logs and tests.
func (s ClientState) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StatePriming:
		return "priming"
	case StateStreaming:
		return "streaming"
	case StateDrained:
		return "drained"
	case StateTerminated:
		return "terminated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// NvdClientConfig is the explicit configuration of an NvdCveClient. Zero
// values take the documented defaults.
type NvdClientConfig struct {
	APIKey         string
	Endpoint       string
	Delay          time.Duration
	ThreadCount    int
	MaxPageCount   int
	ResultsPerPage int
	MaxRetryCount  int
}

// filterParam preserves the order in which filters were added when the query
// string is built.
type filterParam struct {
	name  string
	value string
	flag  bool
}

// pageRequest is the bookkeeping for one in-flight page fetch, including its
// retry budget.
type pageRequest struct {
	startIndex int
	attempts   int
	future     *shared.ResponseFuture
	backoff    *backoff.ExponentialBackOff
}

// NvdCveClient is a lazy, finite sequence of PageBatch values fetched from
// the NVD CVE API. The first call to Next issues a priming request to learn
// the total result count, then fans the remaining pages out across the
// client pool; pages are delivered in completion order.
//
//	client, err := services.NewNvdCveClient(services.NvdClientConfig{APIKey: key})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	for client.HasNext() {
//	    batch, err := client.Next(ctx)
//	    ...
//	}
type NvdCveClient struct {
	apiKey         string
	endpoint       string
	resultsPerPage int
	maxPageCount   int
	maxRetryCount  int
	filters        []filterParam

	meter *shared.RateMeter
	pool  *shared.ClientPool

	ctx    context.Context
	cancel context.CancelFunc

	completed chan *pageRequest
	inFlight  int

	state          ClientState
	totalResults   int
	lastUpdated    time.Time
	lastStatusCode int
}

// NewNvdCveClient creates a paged client. Without an API key the worker count
// is forced to 1 and the public rolling-window budget applies.
func NewNvdCveClient(cfg NvdClientConfig) (*NvdCveClient, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultNvdEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, shared.NewServiceError(shared.ErrorCategoryConfiguration, "BAD_ENDPOINT",
			fmt.Sprintf("invalid NVD endpoint %q: %v", endpoint, err), "NewNvdCveClient", false, err)
	}

	resultsPerPage := cfg.ResultsPerPage
	if resultsPerPage <= 0 {
		resultsPerPage = defaultResultsPerPage
	}
	if resultsPerPage > maxResultsPerPage {
		resultsPerPage = maxResultsPerPage
	}

	threadCount := cfg.ThreadCount
	if threadCount <= 0 {
		threadCount = 1
	}

	var meter *shared.RateMeter
	if cfg.APIKey == "" {
		if threadCount > 1 {
			logrus.Warnf("No API key provided; the thread count has been reset to 1 instead of the requested %d", threadCount)
			threadCount = 1
		}
		meter = shared.NewRateMeter(rateQuantityWithoutKey, rateWindowMilliseconds*time.Millisecond)
	} else {
		meter = shared.NewRateMeter(rateQuantityWithKey, rateWindowMilliseconds*time.Millisecond)
	}

	delay := cfg.Delay
	if delay <= 0 {
		if cfg.APIKey == "" {
			delay = defaultDelayWithoutKey
		} else {
			delay = defaultDelayWithKey
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &NvdCveClient{
		apiKey:         cfg.APIKey,
		endpoint:       endpoint,
		resultsPerPage: resultsPerPage,
		maxPageCount:   cfg.MaxPageCount,
		maxRetryCount:  cfg.MaxRetryCount,
		meter:          meter,
		pool:           shared.NewClientPool(threadCount, delay, meter, nil),
		ctx:            ctx,
		cancel:         cancel,
		completed:      make(chan *pageRequest),
		state:          StateFresh,
		lastStatusCode: http.StatusOK,
	}
	return client, nil
}

// AddFilter appends a string-valued filter. Filters may only be added before
// iteration begins.
func (c *NvdCveClient) AddFilter(filter CveFilter, value string) error {
	if err := c.requireFresh(); err != nil {
		return err
	}
	if value == "" {
		return shared.NewServiceError(shared.ErrorCategoryConfiguration, "EMPTY_FILTER",
			fmt.Sprintf("filter %s requires a value", filter), "AddFilter", false, nil)
	}
	c.filters = append(c.filters, filterParam{name: string(filter), value: value})
	return nil
}

// AddBooleanFilter appends a presence-only filter.
func (c *NvdCveClient) AddBooleanFilter(filter BooleanCveFilter) error {
	if err := c.requireFresh(); err != nil {
		return err
	}
	c.filters = append(c.filters, filterParam{name: string(filter), flag: true})
	return nil
}

// AddCvssV2SeverityFilter restricts results to one CVSS v2 severity.
func (c *NvdCveClient) AddCvssV2SeverityFilter(severity string) error {
	if err := c.requireFresh(); err != nil {
		return err
	}
	severity = strings.ToUpper(severity)
	if !containsString(cvssV2Severities, severity) {
		return shared.NewServiceError(shared.ErrorCategoryConfiguration, "BAD_SEVERITY",
			fmt.Sprintf("cvssV2Severity must be one of %v, got %q", cvssV2Severities, severity), "AddCvssV2SeverityFilter", false, nil)
	}
	c.filters = append(c.filters, filterParam{name: "cvssV2Severity", value: severity})
	return nil
}

// AddCvssV3SeverityFilter restricts results to one CVSS v3 severity.
func (c *NvdCveClient) AddCvssV3SeverityFilter(severity string) error {
	if err := c.requireFresh(); err != nil {
		return err
	}
	severity = strings.ToUpper(severity)
	if !containsString(cvssV3Severities, severity) {
		return shared.NewServiceError(shared.ErrorCategoryConfiguration, "BAD_SEVERITY",
			fmt.Sprintf("cvssV3Severity must be one of %v, got %q", cvssV3Severities, severity), "AddCvssV3SeverityFilter", false, nil)
	}
	c.filters = append(c.filters, filterParam{name: "cvssV3Severity", value: severity})
	return nil
}

// AddLastModifiedRangeFilter restricts results to records modified within
// [start, end]. A zero end defaults to start plus 120 days; the range must
// not exceed 120 days.
func (c *NvdCveClient) AddLastModifiedRangeFilter(start, end time.Time) error {
	if err := c.requireFresh(); err != nil {
		return err
	}
	if end.IsZero() {
		end = start.Add(maxLastModifiedRangeDur)
	}
	if end.Before(start) {
		return shared.NewServiceError(shared.ErrorCategoryConfiguration, "BAD_RANGE",
			"lastModEndDate must not precede lastModStartDate", "AddLastModifiedRangeFilter", false, nil)
	}
	if end.Sub(start) > maxLastModifiedRangeDur {
		return shared.NewServiceError(shared.ErrorCategoryConfiguration, "BAD_RANGE",
			"lastModified range must not exceed 120 days", "AddLastModifiedRangeFilter", false, nil)
	}
	c.filters = append(c.filters,
		filterParam{name: "lastModStartDate", value: formatFilterTime(start)},
		filterParam{name: "lastModEndDate", value: formatFilterTime(end)})
	return nil
}

// AddPublishedRangeFilter restricts results to records published within
// [start, end].
func (c *NvdCveClient) AddPublishedRangeFilter(start, end time.Time) error {
	if err := c.requireFresh(); err != nil {
		return err
	}
	if end.Before(start) {
		return shared.NewServiceError(shared.ErrorCategoryConfiguration, "BAD_RANGE",
			"pubEndDate must not precede pubStartDate", "AddPublishedRangeFilter", false, nil)
	}
	c.filters = append(c.filters,
		filterParam{name: "pubStartDate", value: formatFilterTime(start)},
		filterParam{name: "pubEndDate", value: formatFilterTime(end)})
	return nil
}

// AddVersionStartFilter restricts virtual matching to versions at or above
// the given bound.
func (c *NvdCveClient) AddVersionStartFilter(version string, rangeType VersionRangeType) error {
	return c.addVersionFilter("versionStart", version, rangeType)
}

// AddVersionEndFilter restricts virtual matching to versions at or below the
// given bound.
func (c *NvdCveClient) AddVersionEndFilter(version string, rangeType VersionRangeType) error {
	return c.addVersionFilter("versionEnd", version, rangeType)
}

func (c *NvdCveClient) addVersionFilter(name, version string, rangeType VersionRangeType) error {
	if err := c.requireFresh(); err != nil {
		return err
	}
	if rangeType != VersionRangeIncluding && rangeType != VersionRangeExcluding {
		return shared.NewServiceError(shared.ErrorCategoryConfiguration, "BAD_VERSION_TYPE",
			fmt.Sprintf("%sType must be INCLUDING or EXCLUDING, got %q", name, rangeType), "addVersionFilter", false, nil)
	}
	c.filters = append(c.filters,
		filterParam{name: name, value: version},
		filterParam{name: name + "Type", value: string(rangeType)})
	return nil
}

func (c *NvdCveClient) requireFresh() error {
	if c.state != StateFresh {
		return shared.NewServiceError(shared.ErrorCategoryConfiguration, "FILTER_AFTER_START",
			"filters cannot be added after iteration has started", "requireFresh", false, nil)
	}
	return nil
}

// TotalResults returns the total result count learned from the priming
// request; -1 before the first page arrives.
func (c *NvdCveClient) TotalResults() int {
	if c.state == StateFresh || c.state == StatePriming {
		return -1
	}
	return c.totalResults
}

// LastUpdated returns the latest server-reported snapshot time observed
// across fetched pages; zero before the first page.
func (c *NvdCveClient) LastUpdated() time.Time {
	return c.lastUpdated
}

// LastStatusCode returns the last HTTP status reported by the API.
func (c *NvdCveClient) LastStatusCode() int {
	return c.lastStatusCode
}

// State returns the client's lifecycle state.
func (c *NvdCveClient) State() ClientState {
	return c.state
}

// HasNext reports whether another page is available. It must not be called
// concurrently with Next.
func (c *NvdCveClient) HasNext() bool {
	switch c.state {
	case StateFresh, StatePriming:
		return true
	case StateStreaming:
		return c.inFlight > 0
	default:
		return false
	}
}

// Next delivers the next completed page. The first call issues the priming
// request, learns totalResults, and queues the fan-out; subsequent calls
// return whichever in-flight page completes first.
func (c *NvdCveClient) Next(ctx context.Context) (*models.PageBatch, error) {
	if !c.HasNext() {
		if c.state == StateTerminated {
			return nil, shared.NewUpstreamStatusError(c.lastStatusCode, "Next")
		}
		return nil, nil
	}

	if c.state == StateFresh {
		c.state = StatePriming
		c.submitPage(&pageRequest{startIndex: 0})
		c.inFlight = 1
	}

	for {
		select {
		case page := <-c.completed:
			batch, retried, err := c.consumePage(page)
			if retried {
				continue
			}
			if err != nil {
				return nil, err
			}
			return batch, nil
		case <-ctx.Done():
			return nil, shared.WrapError(ctx.Err(), shared.ErrorCategoryInterrupted, "NEXT_CANCELLED", "Next", false)
		case <-c.ctx.Done():
			return nil, shared.NewServiceError(shared.ErrorCategoryInterrupted, "CLIENT_CLOSED",
				"client closed during iteration", "Next", false, c.ctx.Err())
		}
	}
}

// consumePage settles one completed page request: deliver, retry, or
// terminate. The middle return is true when the page was rescheduled and the
// caller should keep waiting.
func (c *NvdCveClient) consumePage(page *pageRequest) (*models.PageBatch, bool, error) {
	result, err := page.future.Result()

	if err != nil {
		if shared.IsRetryableError(err) && page.attempts <= c.maxRetryCount {
			c.schedulePageRetry(page)
			return nil, true, nil
		}
		c.inFlight--
		c.state = StateTerminated
		return nil, false, shared.WrapError(err, shared.ErrorCategoryNetwork, "PAGE_FAILED", "consumePage", false)
	}

	if result.Retryable() && page.attempts <= c.maxRetryCount {
		logrus.WithFields(logrus.Fields{
			"component":   "NvdCveClient",
			"status_code": result.StatusCode,
			"start_index": page.startIndex,
			"attempt":     page.attempts + 1,
		}).Warn("Transient upstream status, retrying page")
		c.schedulePageRetry(page)
		return nil, true, nil
	}

	if !result.OK() {
		c.lastStatusCode = result.StatusCode
		c.inFlight--
		c.state = StateTerminated
		logrus.WithFields(logrus.Fields{
			"component":   "NvdCveClient",
			"status_code": result.StatusCode,
			"start_index": page.startIndex,
		}).Debug("Upstream returned a terminal status")
		return nil, false, shared.NewUpstreamStatusError(result.StatusCode, "consumePage")
	}

	var envelope models.CveAPIResponse
	if err := json.Unmarshal(result.Body, &envelope); err != nil {
		c.inFlight--
		c.state = StateTerminated
		return nil, false, shared.WrapError(err, shared.ErrorCategoryDecode, "ENVELOPE_DECODE", "consumePage", false)
	}

	c.lastStatusCode = result.StatusCode
	c.totalResults = envelope.TotalResults
	if envelope.Timestamp.After(c.lastUpdated) {
		c.lastUpdated = envelope.Timestamp.Time
	}

	c.inFlight--
	if c.state == StatePriming {
		c.state = StateStreaming
		c.queuePages()
	}
	if c.state == StateStreaming && c.inFlight == 0 {
		c.state = StateDrained
	}

	return &models.PageBatch{
		Records:         envelope.Vulnerabilities,
		TotalAvailable:  envelope.TotalResults,
		ServerTimestamp: envelope.Timestamp,
	}, false, nil
}

// queuePages submits every page after the priming page, bounded by
// maxPageCount when set.
func (c *NvdCveClient) queuePages() {
	pageCount := 1
	for startIndex := c.resultsPerPage; (c.maxPageCount <= 0 || pageCount < c.maxPageCount) && startIndex < c.totalResults; startIndex += c.resultsPerPage {
		c.submitPage(&pageRequest{startIndex: startIndex})
		c.inFlight++
		pageCount++
	}
	logrus.WithFields(logrus.Fields{
		"component":     "NvdCveClient",
		"total_results": c.totalResults,
		"queued_pages":  pageCount - 1,
	}).Debug("Queued fan-out page requests")
}

// submitPage sends the page request through the pool and forwards its
// completion to the drain channel.
func (c *NvdCveClient) submitPage(page *pageRequest) {
	page.attempts++
	request, err := c.buildRequest(page.startIndex)
	if err != nil {
		// Endpoint validity is checked at construction; a failure here still
		// settles the page so the drain loop observes it.
		page.future = shared.FailedFuture(shared.WrapError(err, shared.ErrorCategoryConfiguration,
			"BAD_REQUEST", "submitPage", false))
	} else {
		page.future = c.pool.Submit(c.ctx, request)
	}
	go func() {
		select {
		case <-page.future.Done():
		case <-c.ctx.Done():
			return
		}
		select {
		case c.completed <- page:
		case <-c.ctx.Done():
		}
	}()
}

// schedulePageRetry resubmits the page after an exponential backoff interval.
func (c *NvdCveClient) schedulePageRetry(page *pageRequest) {
	if page.backoff == nil {
		page.backoff = backoff.NewExponentialBackOff()
		page.backoff.InitialInterval = time.Second
		page.backoff.MaxInterval = 30 * time.Second
		page.backoff.MaxElapsedTime = 0
	}
	interval := page.backoff.NextBackOff()
	if interval == backoff.Stop {
		interval = page.backoff.MaxInterval
	}
	logrus.WithFields(logrus.Fields{
		"component":   "NvdCveClient",
		"start_index": page.startIndex,
		"attempt":     page.attempts,
		"backoff":     interval,
	}).Debug("Scheduling page retry")
	time.AfterFunc(interval, func() {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		c.submitPage(page)
	})
}

// buildRequest constructs the page request URL, serializing filters in the
// order they were added, then resultsPerPage and startIndex.
func (c *NvdCveClient) buildRequest(startIndex int) (*http.Request, error) {
	var query strings.Builder
	for _, filter := range c.filters {
		if query.Len() > 0 {
			query.WriteByte('&')
		}
		query.WriteString(url.QueryEscape(filter.name))
		if !filter.flag {
			query.WriteByte('=')
			query.WriteString(url.QueryEscape(filter.value))
		}
	}
	if query.Len() > 0 {
		query.WriteByte('&')
	}
	query.WriteString("resultsPerPage=" + strconv.Itoa(c.resultsPerPage))
	query.WriteString("&startIndex=" + strconv.Itoa(startIndex))

	separator := "?"
	if strings.Contains(c.endpoint, "?") {
		separator = "&"
	}
	request, err := http.NewRequest(http.MethodGet, c.endpoint+separator+query.String(), nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		request.Header.Set(apiKeyHeader, c.apiKey)
	}
	return request, nil
}

// Close cancels in-flight requests and shuts the pool down. Safe to call
// more than once.
func (c *NvdCveClient) Close() {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.cancel()
	c.pool.Shutdown()
}

// PoolMetrics returns the aggregated request counters for the run.
func (c *NvdCveClient) PoolMetrics() shared.RequestMetrics {
	return c.pool.MetricsSummary()
}

func formatFilterTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z07:00")
}

func containsString(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
