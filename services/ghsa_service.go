package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/openvulnfeed/nvd-mirror/models"
	"github.com/openvulnfeed/nvd-mirror/shared"
)

const defaultGhsaEndpoint = "https://api.github.com/graphql"

// GitHub's GraphQL API has a secondary rate limit budget; stay well inside
// it with a small rolling window and a short per-call delay.
const (
	ghsaRateQuantity = 50
	ghsaRateWindow   = 32500 * time.Millisecond
	ghsaPageSize     = 100
	ghsaDefaultDelay = 500 * time.Millisecond
)

// securityAdvisoriesQuery pages through the advisory connection. The
// advisory node set mirrors the fields published by the GitHub advisory
// database; unrecognized fields in the response are preserved verbatim by
// the SecurityAdvisory decoder.
const securityAdvisoriesQuery = `query($first: Int!, $after: String, $updatedSince: DateTime, $publishedSince: DateTime, $classifications: [SecurityAdvisoryClassification!]) {
  securityAdvisories(first: $first, after: $after, updatedSince: $updatedSince, publishedSince: $publishedSince, classifications: $classifications, orderBy: {field: UPDATED_AT, direction: ASC}) {
    totalCount
    pageInfo {
      hasNextPage
      endCursor
    }
    nodes {
      ghsaId
      summary
      description
      severity
      classification
      origin
      permalink
      publishedAt
      updatedAt
      withdrawnAt
      references {
        url
      }
      identifiers {
        type
        value
      }
      cvss {
        score
        vectorString
      }
      cwes(first: 50) {
        nodes {
          cweId
          name
        }
      }
      vulnerabilities(first: 100) {
        nodes {
          package {
            ecosystem
            name
          }
          severity
          vulnerableVersionRange
          firstPatchedVersion {
            identifier
          }
        }
      }
    }
  }
}`

// GhsaClientConfig is the explicit configuration of a GhsaClient.
type GhsaClientConfig struct {
	Token           string
	Endpoint        string
	Delay           time.Duration
	MaxRetryCount   int
	UpdatedSince    time.Time
	PublishedSince  time.Time
	Classifications string
}

// GhsaClient pages through GitHub Security Advisories over GraphQL cursor
// pagination. The server dictates page availability, so iteration is
// strictly sequential; there is no fan-out.
type GhsaClient struct {
	cfg      GhsaClientConfig
	endpoint string

	meter  *shared.RateMeter
	client *shared.RateLimitedClient

	ctx    context.Context
	cancel context.CancelFunc

	firstCall      bool
	cursor         string
	serverHasNext  bool
	totalCount     int
	lastUpdated    time.Time
	lastStatusCode int
	closed         bool
}

// NewGhsaClient creates a sequential advisory client. A token is required by
// the GitHub GraphQL API.
func NewGhsaClient(cfg GhsaClientConfig) (*GhsaClient, error) {
	if cfg.Token == "" {
		return nil, shared.NewServiceError(shared.ErrorCategoryConfiguration, "MISSING_TOKEN",
			"a GitHub token is required for the security advisory API", "NewGhsaClient", false, nil)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultGhsaEndpoint
	}
	delay := cfg.Delay
	if delay <= 0 {
		delay = ghsaDefaultDelay
	}
	meter := shared.NewRateMeter(ghsaRateQuantity, ghsaRateWindow)
	ctx, cancel := context.WithCancel(context.Background())
	return &GhsaClient{
		cfg:            cfg,
		endpoint:       endpoint,
		meter:          meter,
		client:         shared.NewRateLimitedClient(delay, meter, nil),
		ctx:            ctx,
		cancel:         cancel,
		firstCall:      true,
		lastStatusCode: http.StatusOK,
	}, nil
}

// TotalResults returns the advisory count reported by the first page; -1
// before it arrives.
func (c *GhsaClient) TotalResults() int {
	if c.firstCall {
		return -1
	}
	return c.totalCount
}

// LastUpdated returns the latest updatedAt observed across fetched
// advisories.
func (c *GhsaClient) LastUpdated() time.Time {
	return c.lastUpdated
}

// LastStatusCode returns the last HTTP status reported by the API.
func (c *GhsaClient) LastStatusCode() int {
	return c.lastStatusCode
}

// HasNext reports whether another page is available.
func (c *GhsaClient) HasNext() bool {
	if c.closed || c.lastStatusCode != http.StatusOK {
		return false
	}
	return c.firstCall || c.serverHasNext
}

// Next fetches the next advisory page.
func (c *GhsaClient) Next(ctx context.Context) (*models.AdvisoryBatch, error) {
	if !c.HasNext() {
		if c.lastStatusCode != http.StatusOK {
			return nil, shared.NewUpstreamStatusError(c.lastStatusCode, "Next")
		}
		return nil, nil
	}

	result, err := c.fetchPage(ctx)
	if err != nil {
		c.serverHasNext = false
		return nil, err
	}

	var envelope models.GhsaAPIResponse
	if err := json.Unmarshal(result.Body, &envelope); err != nil {
		c.serverHasNext = false
		return nil, shared.WrapError(err, shared.ErrorCategoryDecode, "ENVELOPE_DECODE", "Next", false)
	}
	if len(envelope.Errors) > 0 {
		c.serverHasNext = false
		return nil, shared.NewServiceError(shared.ErrorCategoryUpstream, "GRAPHQL_ERROR",
			fmt.Sprintf("GraphQL error: %s", envelope.Errors[0].Message), "Next", false, nil)
	}

	connection := envelope.Data.SecurityAdvisories
	c.firstCall = false
	c.totalCount = connection.TotalCount
	c.cursor = connection.PageInfo.EndCursor
	c.serverHasNext = connection.PageInfo.HasNextPage
	for i := range connection.Nodes {
		if connection.Nodes[i].Updated.After(c.lastUpdated) {
			c.lastUpdated = connection.Nodes[i].Updated.Time
		}
	}

	logrus.WithFields(logrus.Fields{
		"component":     "GhsaClient",
		"received":      len(connection.Nodes),
		"total_count":   connection.TotalCount,
		"has_next_page": connection.PageInfo.HasNextPage,
	}).Debug("Fetched security advisory page")

	return &models.AdvisoryBatch{
		Advisories:     connection.Nodes,
		TotalAvailable: connection.TotalCount,
	}, nil
}

// fetchPage posts the GraphQL query, retrying transient statuses within the
// configured budget.
func (c *GhsaClient) fetchPage(ctx context.Context) (*models.HTTPResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	attempts := 0
	for {
		attempts++
		result, err := c.postQuery(ctx)
		if err != nil {
			if shared.IsRetryableError(err) && attempts <= c.cfg.MaxRetryCount {
				c.waitRetry(ctx, bo, attempts)
				continue
			}
			return nil, err
		}
		if result.Retryable() && attempts <= c.cfg.MaxRetryCount {
			logrus.WithFields(logrus.Fields{
				"component":   "GhsaClient",
				"status_code": result.StatusCode,
				"attempt":     attempts,
			}).Warn("Transient upstream status, retrying advisory page")
			c.waitRetry(ctx, bo, attempts)
			continue
		}
		if !result.OK() {
			c.lastStatusCode = result.StatusCode
			return nil, shared.NewUpstreamStatusError(result.StatusCode, "fetchPage")
		}
		c.lastStatusCode = result.StatusCode
		return result, nil
	}
}

func (c *GhsaClient) waitRetry(ctx context.Context, bo *backoff.ExponentialBackOff, attempt int) {
	interval := bo.NextBackOff()
	if interval == backoff.Stop {
		interval = bo.MaxInterval
	}
	logrus.WithFields(logrus.Fields{
		"component": "GhsaClient",
		"attempt":   attempt,
		"backoff":   interval,
	}).Debug("Backing off before advisory retry")
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (c *GhsaClient) postQuery(ctx context.Context) (*models.HTTPResult, error) {
	variables := map[string]interface{}{
		"first": ghsaPageSize,
	}
	if c.cursor != "" {
		variables["after"] = c.cursor
	}
	if !c.cfg.UpdatedSince.IsZero() {
		variables["updatedSince"] = c.cfg.UpdatedSince.UTC().Format(time.RFC3339)
	}
	if !c.cfg.PublishedSince.IsZero() {
		variables["publishedSince"] = c.cfg.PublishedSince.UTC().Format(time.RFC3339)
	}
	if c.cfg.Classifications != "" {
		classifications := []string{}
		for _, value := range strings.Split(c.cfg.Classifications, ",") {
			value = strings.ToUpper(strings.TrimSpace(value))
			if value != "" {
				classifications = append(classifications, value)
			}
		}
		variables["classifications"] = classifications
	}

	payload, err := json.Marshal(map[string]interface{}{
		"query":     securityAdvisoriesQuery,
		"variables": variables,
	})
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryConfiguration, "QUERY_ENCODE", "postQuery", false)
	}

	request, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryConfiguration, "BAD_REQUEST", "postQuery", false)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	return c.client.Execute(ctx, request).Result()
}

// Close cancels any in-flight request and releases the worker. Safe to call
// more than once.
func (c *GhsaClient) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
	c.client.Close()
}
