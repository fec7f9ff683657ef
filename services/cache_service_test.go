package services

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvulnfeed/nvd-mirror/models"
)

func decodeItems(t *testing.T, payloads ...json.RawMessage) []models.DefCveItem {
	t.Helper()
	items := make([]models.DefCveItem, 0, len(payloads))
	for _, payload := range payloads {
		var item models.CveItem
		require.NoError(t, json.Unmarshal(payload, &item))
		items = append(items, models.DefCveItem{CVE: item})
	}
	return items
}

func newTestCache(t *testing.T, now time.Time) *CacheService {
	t.Helper()
	cache, err := NewCacheService(t.TempDir(), "nvdcve-")
	require.NoError(t, err)
	cache.now = now
	return cache
}

func readPartitionEnvelope(t *testing.T, cache *CacheService, key string) *models.CveAPIResponse {
	t.Helper()
	path := filepath.Join(cache.Directory(), cache.partitionFileName(key))
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	reader, err := gzip.NewReader(file)
	require.NoError(t, err)
	defer reader.Close()
	var envelope models.CveAPIResponse
	require.NoError(t, json.NewDecoder(reader).Decode(&envelope))
	return &envelope
}

// TestCacheColdMirrorPlacesRecordsByYear is the cold-cache scenario: three
// records land in their year partitions, the pre-2002 record folds into
// "2002", and only the recently modified record appears in "modified".
func TestCacheColdMirrorPlacesRecordsByYear(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	cache := newTestCache(t, now)

	recent := now.Add(-2 * time.Hour).Format("2006-01-02T15:04:05.000")
	cache.MergeBatch(decodeItems(t,
		stubCve("CVE-2001-0001", "2001-06-01T00:00:00.000", "2015-01-01T00:00:00.000"),
		stubCve("CVE-2023-0002", "2023-03-01T00:00:00.000", "2023-04-01T00:00:00.000"),
		stubCve("CVE-2024-0003", "2024-05-01T00:00:00.000", recent),
	))

	assert.Equal(t, []string{"CVE-2001-0001"}, cache.PartitionRecordIDs("2002"))
	assert.Equal(t, []string{"CVE-2023-0002"}, cache.PartitionRecordIDs("2023"))
	assert.Equal(t, []string{"CVE-2024-0003"}, cache.PartitionRecordIDs("2024"))
	assert.Equal(t, []string{"CVE-2024-0003"}, cache.PartitionRecordIDs(models.ModifiedPartitionKey))

	require.NoError(t, cache.WriteAll(now))

	for _, key := range []string{"2002", "2023", "2024", "modified"} {
		assert.FileExists(t, filepath.Join(cache.Directory(), "nvdcve-"+key+".json.gz"))
		assert.FileExists(t, filepath.Join(cache.Directory(), "nvdcve-"+key+".meta"))
	}

	properties, err := os.ReadFile(filepath.Join(cache.Directory(), "cache.properties"))
	require.NoError(t, err)
	assert.Contains(t, string(properties), "prefix=nvdcve-")
	assert.Contains(t, string(properties), "lastModifiedDate.2023=")
}

// TestCacheMergeIsIdempotent checks the merge idempotence law: applying the
// same batch twice yields byte-identical partition files.
func TestCacheMergeIsIdempotent(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	batch := func(t *testing.T) []models.DefCveItem {
		return decodeItems(t,
			stubCve("CVE-2020-1111", "2020-01-01T00:00:00.000", "2020-06-01T00:00:00.000"),
			stubCve("CVE-2020-0222", "2020-02-01T00:00:00.000", "2020-07-01T00:00:00.000"),
		)
	}

	first := newTestCache(t, now)
	first.MergeBatch(batch(t))
	require.NoError(t, first.WriteAll(now))
	firstBytes, err := os.ReadFile(filepath.Join(first.Directory(), "nvdcve-2020.json.gz"))
	require.NoError(t, err)

	second := newTestCache(t, now)
	second.MergeBatch(batch(t))
	second.MergeBatch(batch(t))
	require.NoError(t, second.WriteAll(now))
	secondBytes, err := os.ReadFile(filepath.Join(second.Directory(), "nvdcve-2020.json.gz"))
	require.NoError(t, err)

	assert.Equal(t, firstBytes, secondBytes, "double merge must produce identical partition bytes")
}

// TestCachePartitionSortedByCveID checks the sort stability law.
func TestCachePartitionSortedByCveID(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	cache := newTestCache(t, now)
	cache.MergeBatch(decodeItems(t,
		stubCve("CVE-2019-9999", "2019-05-01T00:00:00.000", "2019-06-01T00:00:00.000"),
		stubCve("CVE-2019-0001", "2019-01-01T00:00:00.000", "2019-02-01T00:00:00.000"),
		stubCve("CVE-2019-1000", "2019-03-01T00:00:00.000", "2019-04-01T00:00:00.000"),
	))
	require.NoError(t, cache.WriteAll(now))

	envelope := readPartitionEnvelope(t, cache, "2019")
	ids := make([]string, 0, len(envelope.Vulnerabilities))
	for i := range envelope.Vulnerabilities {
		ids = append(ids, envelope.Vulnerabilities[i].CVE.ID)
	}
	assert.True(t, sort.StringsAreSorted(ids), "vulnerabilities must be in ascending cveId order: %v", ids)
	assert.Equal(t, len(ids), envelope.TotalResults)
	assert.Equal(t, "NVD_CVE", envelope.Format)
	assert.Equal(t, "2.0", envelope.Version)
}

// TestCacheSidecarDigestMatchesFile checks the digest law: the sidecar
// sha256 equals the digest of the compressed file on disk, and gzSize its
// length.
func TestCacheSidecarDigestMatchesFile(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	cache := newTestCache(t, now)
	cache.MergeBatch(decodeItems(t,
		stubCve("CVE-2018-0001", "2018-01-01T00:00:00.000", "2018-02-01T00:00:00.000"),
	))
	require.NoError(t, cache.WriteAll(now))

	payload, err := os.ReadFile(filepath.Join(cache.Directory(), "nvdcve-2018.json.gz"))
	require.NoError(t, err)
	metaContent, err := os.ReadFile(filepath.Join(cache.Directory(), "nvdcve-2018.meta"))
	require.NoError(t, err)
	meta, err := models.ParsePartitionMeta(string(metaContent))
	require.NoError(t, err)

	digest := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(digest[:]), meta.SHA256)
	assert.Equal(t, int64(len(payload)), meta.GzSize)
	assert.Greater(t, meta.Size, meta.GzSize, "uncompressed size should exceed compressed size for JSON")
}

// TestCacheLastWriteWins verifies merge replacement by arrival order.
func TestCacheLastWriteWins(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	cache := newTestCache(t, now)

	cache.MergeBatch(decodeItems(t, stubCve("CVE-2020-5555", "2020-01-01T00:00:00.000", "2020-02-01T00:00:00.000")))
	cache.MergeBatch(decodeItems(t, stubCve("CVE-2020-5555", "2020-01-01T00:00:00.000", "2021-02-01T00:00:00.000")))

	assert.Equal(t, 1, cache.RecordCount("2020"))
	record := cache.partitions["2020"]["CVE-2020-5555"]
	assert.Equal(t, 2021, record.LastModified.Year())
}

// TestCacheReloadRoundTrip verifies a written cache loads back: the year
// partition holds both records and the manifest timestamp survives.
func TestCacheReloadRoundTrip(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	directory := t.TempDir()

	cache, err := NewCacheService(directory, "nvdcve-")
	require.NoError(t, err)
	cache.now = now

	recent := now.Add(-24 * time.Hour).Format("2006-01-02T15:04:05.000")
	stale := now.Add(-30 * 24 * time.Hour).Format("2006-01-02T15:04:05.000")
	cache.MergeBatch(decodeItems(t,
		stubCve("CVE-2024-0001", "2024-01-01T00:00:00.000", recent),
		stubCve("CVE-2024-0002", "2024-02-01T00:00:00.000", stale),
	))
	cache.SetLastModifiedDate(now)
	require.NoError(t, cache.WriteAll(now))

	reloaded, err := NewCacheService(directory, "nvdcve-")
	require.NoError(t, err)
	reloaded.now = now

	assert.ElementsMatch(t, []string{"CVE-2024-0001", "CVE-2024-0002"}, reloaded.PartitionRecordIDs("2024"))
	loadedLastModified, ok := reloaded.LastModifiedDate()
	require.True(t, ok)
	assert.True(t, loadedLastModified.Equal(now.Truncate(time.Second)))
}

// TestCacheCorruptPartitionIsFatal verifies that a present but undecodable
// partition refuses to load.
func TestCacheCorruptPartitionIsFatal(t *testing.T) {
	directory := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(directory, "nvdcve-2020.json.gz"), []byte("not gzip"), 0o644))

	_, err := NewCacheService(directory, "nvdcve-")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PARTITION_CORRUPT")
}

// TestCacheManifestLastModifiedIsMonotone checks the monotone manifest law.
func TestCacheManifestLastModifiedIsMonotone(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	cache := newTestCache(t, now)

	cache.SetLastModifiedDate(now)
	cache.SetLastModifiedDate(now.Add(-48 * time.Hour))

	value, ok := cache.LastModifiedDate()
	require.True(t, ok)
	assert.True(t, value.Equal(now.Truncate(time.Second)), "an older timestamp must not regress the manifest")

	cache.SetLastModifiedDate(now.Add(time.Hour))
	value, _ = cache.LastModifiedDate()
	assert.True(t, value.Equal(now.Add(time.Hour).Truncate(time.Second)))
}

// TestCachePartitionPlacementProperty checks the partition placement law
// over generated records: year partition is max(2002, published year) and
// "modified" membership tracks the seven-day window.
func TestCachePartitionPlacementProperty(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("records land in max(2002, year) and modified iff within 7 days", prop.ForAll(
		func(publishedYear int, modifiedAgeHours int) bool {
			cache := &CacheService{
				directory:  t.TempDir(),
				prefix:     "nvdcve-",
				properties: map[string]string{},
				partitions: map[string]map[string]*models.CveItem{},
				now:        now,
			}

			published := time.Date(publishedYear, 3, 10, 0, 0, 0, 0, time.UTC)
			lastModified := now.Add(-time.Duration(modifiedAgeHours) * time.Hour)
			id := fmt.Sprintf("CVE-%d-0001", publishedYear)

			payload := stubCve(id,
				published.Format("2006-01-02T15:04:05.000"),
				lastModified.Format("2006-01-02T15:04:05.000"))
			var item models.CveItem
			if err := json.Unmarshal(payload, &item); err != nil {
				return false
			}
			cache.MergeBatch([]models.DefCveItem{{CVE: item}})

			expectedYear := publishedYear
			if expectedYear < 2002 {
				expectedYear = 2002
			}
			if cache.RecordCount(fmt.Sprintf("%d", expectedYear)) != 1 {
				return false
			}

			inModified := cache.RecordCount(models.ModifiedPartitionKey) == 1
			expectModified := modifiedAgeHours <= 7*24
			return inModified == expectModified
		},
		gen.IntRange(1990, 2024),
		gen.IntRange(0, 60*24),
	))

	properties.TestingRun(t)
}

// TestCacheWriteAllLeavesNoTempFiles verifies the atomic substitution leaves
// no droppings behind.
func TestCacheWriteAllLeavesNoTempFiles(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)
	cache := newTestCache(t, now)
	cache.MergeBatch(decodeItems(t,
		stubCve("CVE-2017-0001", "2017-01-01T00:00:00.000", "2017-02-01T00:00:00.000"),
	))
	require.NoError(t, cache.WriteAll(now))

	entries, err := os.ReadDir(cache.Directory())
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp", "temp file left behind: %s", entry.Name())
	}
}
