package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Defaults calibrated to the NVD public rate-limit documentation.
const (
	DefaultNvdEndpoint  = "https://services.nvd.nist.gov/rest/json/cves/2.0"
	DefaultGhsaEndpoint = "https://api.github.com/graphql"

	// Minimum per-worker delay between calls, with and without an API key.
	DefaultDelayWithKey    = 600 * time.Millisecond
	DefaultDelayWithoutKey = 6500 * time.Millisecond

	DefaultResultsPerPage = 2000
	MaxResultsPerPage     = 2000

	DefaultCachePrefix = "nvdcve-"
)

// Config holds the environment-driven settings for a mirror run.
type Config struct {
	NvdAPIKey   string
	GitHubToken string

	NvdEndpoint  string
	GhsaEndpoint string

	DelayMilliseconds int
	ThreadCount       int
	MaxPageCount      int
	ResultsPerPage    int
	MaxRetryCount     int

	CacheDirectory string
	CachePrefix    string

	MirrorSource string
	LogLevel     string
	PrettyPrint  bool
}

// LoadConfig reads configuration from the environment, loading a .env file
// first if one is present.
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file loaded, using system environment variables")
	}

	return &Config{
		NvdAPIKey:         rejectSecretReference("NVD_API_KEY", os.Getenv("NVD_API_KEY")),
		GitHubToken:       rejectSecretReference("GITHUB_TOKEN", os.Getenv("GITHUB_TOKEN")),
		NvdEndpoint:       getEnv("NVD_ENDPOINT", DefaultNvdEndpoint),
		GhsaEndpoint:      getEnv("GHSA_ENDPOINT", DefaultGhsaEndpoint),
		DelayMilliseconds: getEnvInt("NVD_DELAY_MS", 0),
		ThreadCount:       getEnvInt("NVD_THREADS", 1),
		MaxPageCount:      getEnvInt("NVD_MAX_PAGES", 0),
		ResultsPerPage:    getEnvInt("NVD_RESULTS_PER_PAGE", DefaultResultsPerPage),
		MaxRetryCount:     getEnvInt("NVD_MAX_RETRIES", 0),
		CacheDirectory:    getEnv("CACHE_DIRECTORY", ""),
		CachePrefix:       getEnv("CACHE_PREFIX", DefaultCachePrefix),
		MirrorSource:      strings.ToLower(getEnv("MIRROR_SOURCE", "nvd")),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		PrettyPrint:       getEnvBool("PRETTY_PRINT", false),
	}
}

// Validate rejects settings outside the documented ranges.
func (c *Config) Validate() error {
	if c.ResultsPerPage < 1 || c.ResultsPerPage > MaxResultsPerPage {
		return fmt.Errorf("NVD_RESULTS_PER_PAGE must be within [1, %d], got %d", MaxResultsPerPage, c.ResultsPerPage)
	}
	if c.ThreadCount < 1 {
		return fmt.Errorf("NVD_THREADS must be at least 1, got %d", c.ThreadCount)
	}
	if c.MaxPageCount < 0 {
		return fmt.Errorf("NVD_MAX_PAGES must not be negative, got %d", c.MaxPageCount)
	}
	if c.MaxRetryCount < 0 {
		return fmt.Errorf("NVD_MAX_RETRIES must not be negative, got %d", c.MaxRetryCount)
	}
	if c.MirrorSource != "nvd" && c.MirrorSource != "ghsa" {
		return fmt.Errorf("MIRROR_SOURCE must be nvd or ghsa, got %q", c.MirrorSource)
	}
	return nil
}

// Delay returns the per-worker minimum delay, defaulting by API key presence
// when no explicit value is configured.
func (c *Config) Delay() time.Duration {
	if c.DelayMilliseconds > 0 {
		return time.Duration(c.DelayMilliseconds) * time.Millisecond
	}
	if c.NvdAPIKey != "" {
		return DefaultDelayWithKey
	}
	return DefaultDelayWithoutKey
}

// CacheMode reports whether the run maintains an on-disk cache rather than
// streaming JSON to stdout.
func (c *Config) CacheMode() bool {
	return c.CacheDirectory != ""
}

// ParseLogLevel converts the configured level, falling back to info.
func (c *Config) ParseLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logrus.Warnf("Invalid LOG_LEVEL value: %s, using info", c.LogLevel)
		return logrus.InfoLevel
	}
	return level
}

// rejectSecretReference drops values that are unexpanded secret manager
// references rather than real credentials.
func rejectSecretReference(name, value string) string {
	if strings.HasPrefix(value, "op://") {
		logrus.Warnf("%s begins with op://; you are not logged in, did not use the `op run` command, or the environment is setup incorrectly", name)
		return ""
	}
	return value
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logrus.Warnf("Invalid %s value: %s, using default %d", key, value, fallback)
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		logrus.Warnf("Invalid %s value: %s, using default %t", key, value, fallback)
		return fallback
	}
	return parsed
}
