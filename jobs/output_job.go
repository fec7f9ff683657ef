package jobs

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/openvulnfeed/nvd-mirror/config"
	"github.com/openvulnfeed/nvd-mirror/models"
	"github.com/openvulnfeed/nvd-mirror/services"
	"github.com/openvulnfeed/nvd-mirror/shared"
)

// OutputJob streams the selected source to a byte sink as a single JSON
// envelope instead of maintaining the on-disk cache.
type OutputJob struct {
	Config *config.Config
	Writer io.Writer
}

// NewOutputJob creates an output job writing to w.
func NewOutputJob(cfg *config.Config, w io.Writer) *OutputJob {
	return &OutputJob{Config: cfg, Writer: w}
}

// Run executes the job and returns the process exit code.
func (j *OutputJob) Run(ctx context.Context) int {
	switch j.Config.MirrorSource {
	case "ghsa":
		return j.runGhsa(ctx)
	default:
		return j.runCve(ctx)
	}
}

func (j *OutputJob) runCve(ctx context.Context) int {
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
		logrus.Errorf("Failed to build NVD client: %v", err)
		return ExitError
	}
	defer client.Close()

	writer := services.NewOutputWriter(j.Writer, j.Config.PrettyPrint)
	exitCode := ExitSuccess
	for client.HasNext() {
		batch, err := client.Next(ctx)
		if err != nil {
			exitCode = j.recordFailure(writer, err)
			break
		}
		if batch == nil {
			break
		}
		writer.MarkBatchEmitted()
		for i := range batch.Records {
			if writeErr := writer.WriteRecord(batch.Records[i].CVE.Raw()); writeErr != nil {
				logrus.Errorf("Failed to write record: %v", writeErr)
				return ExitError
			}
		}
		writer.SetLastModifiedDate(models.NewTimestamp(client.LastUpdated()))
	}
	return j.finish(writer, exitCode)
}

func (j *OutputJob) runGhsa(ctx context.Context) int {
	client, err := services.NewGhsaClient(services.GhsaClientConfig{
		Token:         j.Config.GitHubToken,
		Endpoint:      j.Config.GhsaEndpoint,
		MaxRetryCount: j.Config.MaxRetryCount,
	})
	if err != nil {
		logrus.Errorf("Failed to build GHSA client: %v", err)
		return ExitError
	}
	defer client.Close()

	writer := services.NewOutputWriter(j.Writer, j.Config.PrettyPrint)
	exitCode := ExitSuccess
	for client.HasNext() {
		batch, err := client.Next(ctx)
		if err != nil {
			exitCode = j.recordFailure(writer, err)
			break
		}
		if batch == nil {
			break
		}
		writer.MarkBatchEmitted()
		for i := range batch.Advisories {
			if writeErr := writer.WriteRecord(batch.Advisories[i].Raw()); writeErr != nil {
				logrus.Errorf("Failed to write advisory: %v", writeErr)
				return ExitError
			}
		}
		writer.SetLastModifiedDate(models.NewTimestamp(client.LastUpdated()))
	}
	return j.finish(writer, exitCode)
}

// recordFailure folds a terminal iterator error into the results object and
// picks the exit code.
func (j *OutputJob) recordFailure(writer *services.OutputWriter, err error) int {
	var serviceErr *shared.ServiceError
	if errors.As(err, &serviceErr) && serviceErr.Category == shared.ErrorCategoryUpstream && serviceErr.StatusCode != 0 {
		writer.RecordFailure(serviceErr.StatusCode)
		return ExitUpstreamStatus
	}
	logrus.Errorf("Output run failed: %v", err)
	return ExitError
}

func (j *OutputJob) finish(writer *services.OutputWriter, exitCode int) int {
	if err := writer.Finish(); err != nil {
		logrus.Errorf("Failed to finish output: %v", err)
		return ExitError
	}
	if exitCode == ExitSuccess && !writer.Output().Success {
		// No batch was emitted; the run cannot be called successful.
		return ExitError
	}
	if exitCode != ExitSuccess {
		logrus.Errorf("FAILED: %s", writer.Output().Reason)
	} else {
		logrus.Info("SUCCESS")
	}
	return exitCode
}
