package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openvulnfeed/nvd-mirror/config"
	"github.com/openvulnfeed/nvd-mirror/services"
	"github.com/openvulnfeed/nvd-mirror/shared"
)

// Exit codes for a mirror run.
const (
	ExitSuccess        = 0
	ExitError          = 1
	ExitUpstreamStatus = 2
)

// deltaThreshold is the maximum manifest age for which an incremental fetch
// is possible; the NVD lastModified filter cannot span more than 120 days.
const deltaThreshold = 120 * 24 * time.Hour

// MirrorJob drives one mirror run: load the cache, fetch the delta (or the
// full corpus when the cache is too stale), merge, and persist.
type MirrorJob struct {
	Config *config.Config
}

// NewMirrorJob creates a mirror job for the given configuration.
func NewMirrorJob(cfg *config.Config) *MirrorJob {
	return &MirrorJob{Config: cfg}
}

// Run executes the mirror and returns the process exit code.
func (j *MirrorJob) Run(ctx context.Context) int {
	startTime := time.Now()
	logrus.WithFields(logrus.Fields{
		"component": "MirrorJob",
		"directory": j.Config.CacheDirectory,
	}).Info("Starting NVD mirror run")

	cache, err := services.NewCacheService(j.Config.CacheDirectory, j.Config.CachePrefix)
	if err != nil {
		logrus.Errorf("Failed to open cache: %v", err)
		return ExitError
	}

	client, err := j.buildClient(cache)
	if err != nil {
		logrus.Errorf("Failed to build NVD client: %v", err)
		return ExitError
	}
	defer client.Close()

	batchCount := 0
	recordCount := 0
	for client.HasNext() {
		batch, err := client.Next(ctx)
		if err != nil {
			return j.failRun(client, err)
		}
		if batch == nil {
			break
		}
		cache.MergeBatch(batch.Records)
		batchCount++
		recordCount += batch.Count()
		logrus.WithFields(logrus.Fields{
			"component": "MirrorJob",
			"batch":     batchCount,
			"records":   recordCount,
			"total":     batch.TotalAvailable,
		}).Info("Merged page batch into cache")
	}

	if lastUpdated := client.LastUpdated(); !lastUpdated.IsZero() {
		cache.SetLastModifiedDate(lastUpdated)
	}
	if err := cache.WriteAll(client.LastUpdated()); err != nil {
		logrus.Errorf("Failed to write cache: %v", err)
		return ExitError
	}

	metrics := client.PoolMetrics()
	logrus.WithFields(logrus.Fields{
		"component":      "MirrorJob",
		"batches":        batchCount,
		"records":        recordCount,
		"total_requests": metrics.TotalRequests,
		"elapsed":        time.Since(startTime),
	}).Info("Mirror run completed successfully")
	return ExitSuccess
}

// buildClient constructs the paged client, applying the incremental
// last-modified filter when the manifest is fresh enough for delta
// semantics.
func (j *MirrorJob) buildClient(cache *services.CacheService) (*services.NvdCveClient, error) {
	client, err := services.NewNvdCveClient(services.NvdClientConfig{
		APIKey:         j.Config.NvdAPIKey,
		Endpoint:       j.Config.NvdEndpoint,
		Delay:          j.Config.Delay(),
		ThreadCount:    j.Config.ThreadCount,
		MaxPageCount:   j.Config.MaxPageCount,
		ResultsPerPage: j.Config.ResultsPerPage,
		MaxRetryCount:  j.Config.MaxRetryCount,
	})
	if err != nil {
		return nil, err
	}

	lastModified, ok := cache.LastModifiedDate()
	if !ok {
		logrus.WithField("component", "MirrorJob").Info("No previous snapshot, performing full fetch")
		return client, nil
	}

	now := time.Now().UTC()
	if now.Sub(lastModified) > deltaThreshold {
		logrus.WithFields(logrus.Fields{
			"component":      "MirrorJob",
			"last_modified":  lastModified,
			"age_days":       int(now.Sub(lastModified).Hours() / 24),
			"threshold_days": 120,
		}).Warn("Cache is too stale for an incremental update, performing full fetch")
		return client, nil
	}

	end := lastModified.Add(deltaThreshold)
	if end.After(now) {
		end = now
	}
	if err := client.AddLastModifiedRangeFilter(lastModified, end); err != nil {
		client.Close()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"component":      "MirrorJob",
		"last_mod_start": lastModified,
		"last_mod_end":   end,
	}).Info("Performing incremental update")
	return client, nil
}

// failRun maps a terminal iterator failure to an exit code; no partition is
// written, so the prior snapshot stays intact.
func (j *MirrorJob) failRun(client *services.NvdCveClient, err error) int {
	var serviceErr *shared.ServiceError
	if errors.As(err, &serviceErr) {
		serviceErr.LogError()
		if serviceErr.Category == shared.ErrorCategoryUpstream && serviceErr.StatusCode != 0 {
			logrus.WithFields(logrus.Fields{
				"component":   "MirrorJob",
				"status_code": serviceErr.StatusCode,
			}).Error("Upstream reported a terminal status, aborting without writing the cache")
			return ExitUpstreamStatus
		}
	} else {
		logrus.Errorf("Mirror run failed: %v", err)
	}
	return ExitError
}
