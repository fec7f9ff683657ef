package services

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openvulnfeed/nvd-mirror/models"
	"github.com/openvulnfeed/nvd-mirror/shared"
)

const (
	cachePropertiesName = "cache.properties"
	defaultCachePrefix  = "nvdcve-"

	// modifiedWindow is the recency window for the denormalized "modified"
	// partition.
	modifiedWindow = 7 * 24 * time.Hour
)

// CacheService maintains the year-partitioned on-disk mirror of the NVD data
// set: gzipped JSON envelopes per year plus a sidecar meta file each, and a
// cache.properties manifest. The service is single-threaded; it is owned
// exclusively by the mirror orchestrator for the duration of a run.
type CacheService struct {
	directory  string
	prefix     string
	properties map[string]string
	partitions map[string]map[string]*models.CveItem
	now        time.Time
}

// NewCacheService opens (or creates) the cache at directory. Existing
// partitions are loaded into memory; a partition file that exists but cannot
// be decoded is a fatal cache error, since overwriting it could destroy the
// only good copy.
func NewCacheService(directory, prefix string) (*CacheService, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryCache, "CACHE_DIR", "NewCacheService", false)
	}

	service := &CacheService{
		directory:  directory,
		prefix:     prefix,
		properties: make(map[string]string),
		partitions: make(map[string]map[string]*models.CveItem),
		now:        time.Now().UTC(),
	}

	if err := service.loadProperties(); err != nil {
		return nil, err
	}
	if service.prefix == "" {
		service.prefix = service.properties[models.ManifestKeyPrefix]
	}
	if service.prefix == "" {
		service.prefix = defaultCachePrefix
	}
	service.properties[models.ManifestKeyPrefix] = service.prefix

	if err := service.loadPartitions(); err != nil {
		return nil, err
	}
	return service, nil
}

// Directory returns the cache directory.
func (cs *CacheService) Directory() string {
	return cs.directory
}

// Prefix returns the partition filename prefix.
func (cs *CacheService) Prefix() string {
	return cs.prefix
}

// LastModifiedDate returns the manifest's cache-wide last modified timestamp,
// if one has been recorded.
func (cs *CacheService) LastModifiedDate() (time.Time, bool) {
	return cs.timestampProperty(models.ManifestKeyLastModifiedDate)
}

// SetLastModifiedDate records the cache-wide last modified timestamp. The
// value is monotonic non-decreasing across runs.
func (cs *CacheService) SetLastModifiedDate(t time.Time) {
	if t.IsZero() {
		return
	}
	if current, ok := cs.LastModifiedDate(); ok && current.After(t) {
		return
	}
	cs.properties[models.ManifestKeyLastModifiedDate] = t.UTC().Format(models.ManifestTimestampLayout)
}

// RecordCount returns the number of records held by the given partition.
func (cs *CacheService) RecordCount(partition string) int {
	return len(cs.partitions[partition])
}

// PartitionRecordIDs returns the sorted record IDs of a partition.
func (cs *CacheService) PartitionRecordIDs(partition string) []string {
	ids := make([]string, 0, len(cs.partitions[partition]))
	for id := range cs.partitions[partition] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MergeBatch upserts the batch's records into their year partitions and, for
// recently modified records, into the "modified" partition. Merging is
// last-write-wins in arrival order and idempotent.
func (cs *CacheService) MergeBatch(records []models.DefCveItem) {
	for i := range records {
		record := records[i].CVE
		if record.ID == "" {
			logrus.WithField("component", "CacheService").Warn("Skipping record without an id")
			continue
		}
		cs.upsert(record.PartitionYear(), &record)
		if cs.recentlyModified(&record) {
			cs.upsert(models.ModifiedPartitionKey, &record)
		}
	}
}

// WriteAll rewrites every populated year partition plus the "modified"
// partition, updates the per-partition manifest entries, and persists the
// manifest. lastUpdated is the iterator's latest server-reported snapshot
// time and seeds the envelope timestamp of otherwise-empty partitions.
func (cs *CacheService) WriteAll(lastUpdated time.Time) error {
	keys := make([]string, 0, len(cs.partitions)+1)
	for key := range cs.partitions {
		if key != models.ModifiedPartitionKey {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	// "modified" is always written, even when empty, so consumers of the
	// recent-changes feed see the rebuilt window.
	keys = append(keys, models.ModifiedPartitionKey)

	for _, key := range keys {
		meta, err := cs.writePartition(key, lastUpdated)
		if err != nil {
			return err
		}
		cs.properties[models.ManifestKeyLastModifiedDate+"."+key] = meta.LastModifiedDate.UTC().Format(models.ManifestTimestampLayout)
		logrus.WithFields(logrus.Fields{
			"component": "CacheService",
			"partition": key,
			"records":   cs.RecordCount(key),
			"gz_size":   meta.GzSize,
		}).Debug("Wrote cache partition")
	}

	return cs.saveProperties()
}

// upsert replaces any existing record with the same id in the partition.
func (cs *CacheService) upsert(partition string, record *models.CveItem) {
	bucket, ok := cs.partitions[partition]
	if !ok {
		bucket = make(map[string]*models.CveItem)
		cs.partitions[partition] = bucket
	}
	bucket[record.ID] = record
}

func (cs *CacheService) recentlyModified(record *models.CveItem) bool {
	if record.LastModified.IsZero() {
		return false
	}
	return cs.now.Sub(record.LastModified.Time) <= modifiedWindow
}

// partitionFileName returns the payload filename for a partition key.
func (cs *CacheService) partitionFileName(partition string) string {
	return cs.prefix + partition + ".json.gz"
}

// metaFileName returns the sidecar filename for a partition key.
func (cs *CacheService) metaFileName(partition string) string {
	return cs.prefix + partition + ".meta"
}

// loadProperties reads cache.properties; a missing file starts empty.
func (cs *CacheService) loadProperties() error {
	path := filepath.Join(cs.directory, cachePropertiesName)
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryCache, "PROPERTIES_READ", "loadProperties", false)
	}
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return shared.NewServiceError(shared.ErrorCategoryCache, "PROPERTIES_PARSE",
				fmt.Sprintf("invalid properties line: %q", line), "loadProperties", false, nil)
		}
		cs.properties[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return nil
}

// saveProperties writes cache.properties atomically with sorted keys.
func (cs *CacheService) saveProperties() error {
	keys := make([]string, 0, len(cs.properties))
	for key := range cs.properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, key := range keys {
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(cs.properties[key])
		sb.WriteByte('\n')
	}

	path := filepath.Join(cs.directory, cachePropertiesName)
	if err := cs.atomicWriteFile(path, []byte(sb.String())); err != nil {
		return shared.WrapError(err, shared.ErrorCategoryCache, "PROPERTIES_WRITE", "saveProperties", false)
	}
	return nil
}

// loadPartitions reads every year partition present on disk. The "modified"
// partition is never loaded; it is rebuilt from the loaded records that
// still fall inside the recency window.
func (cs *CacheService) loadPartitions() error {
	currentYear := cs.now.Year()
	for year := models.FirstPartitionYear; year <= currentYear; year++ {
		key := fmt.Sprintf("%d", year)
		if err := cs.loadPartition(key); err != nil {
			return err
		}
	}

	loaded := 0
	for key, bucket := range cs.partitions {
		if key == models.ModifiedPartitionKey {
			continue
		}
		loaded += len(bucket)
		for _, record := range bucket {
			if cs.recentlyModified(record) {
				cs.upsert(models.ModifiedPartitionKey, record)
			}
		}
	}
	if loaded > 0 {
		logrus.WithFields(logrus.Fields{
			"component": "CacheService",
			"records":   loaded,
			"modified":  cs.RecordCount(models.ModifiedPartitionKey),
		}).Info("Loaded existing cache partitions")
	}
	return nil
}

// loadPartition reads one partition file; a missing file is an empty
// partition, a corrupt file is fatal.
func (cs *CacheService) loadPartition(key string) error {
	path := filepath.Join(cs.directory, cs.partitionFileName(key))
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryCache, "PARTITION_OPEN", "loadPartition", false)
	}
	defer file.Close()

	reader, err := gzip.NewReader(file)
	if err != nil {
		return shared.NewServiceError(shared.ErrorCategoryCache, "PARTITION_CORRUPT",
			fmt.Sprintf("unable to decode cache partition %s: %v", path, err), "loadPartition", false, err)
	}
	defer reader.Close()

	var envelope models.CveAPIResponse
	if err := json.NewDecoder(reader).Decode(&envelope); err != nil {
		return shared.NewServiceError(shared.ErrorCategoryCache, "PARTITION_CORRUPT",
			fmt.Sprintf("unable to decode cache partition %s: %v", path, err), "loadPartition", false, err)
	}

	for i := range envelope.Vulnerabilities {
		record := envelope.Vulnerabilities[i].CVE
		if record.ID == "" {
			continue
		}
		cs.upsert(key, &record)
	}
	return nil
}

// writePartition serializes one partition to a temp file and renames both
// payload and sidecar into place. The sha256 digest covers the compressed
// bytes; size is the uncompressed byte count.
func (cs *CacheService) writePartition(key string, lastUpdated time.Time) (*models.PartitionMeta, error) {
	bucket := cs.partitions[key]
	ids := make([]string, 0, len(bucket))
	for id := range bucket {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	timestamp := time.Time{}
	vulnerabilities := make([]models.DefCveItem, 0, len(ids))
	for _, id := range ids {
		record := bucket[id]
		vulnerabilities = append(vulnerabilities, models.DefCveItem{CVE: *record})
		if record.LastModified.After(timestamp) {
			timestamp = record.LastModified.Time
		}
	}
	if timestamp.IsZero() {
		timestamp = lastUpdated
	}
	if timestamp.IsZero() {
		timestamp = cs.now
	}

	envelope := models.CveAPIResponse{
		ResultsPerPage:  len(vulnerabilities),
		StartIndex:      0,
		TotalResults:    len(vulnerabilities),
		Format:          "NVD_CVE",
		Version:         "2.0",
		Timestamp:       models.NewTimestamp(timestamp),
		Vulnerabilities: vulnerabilities,
	}

	payloadPath := filepath.Join(cs.directory, cs.partitionFileName(key))
	tempPath := payloadPath + "." + uuid.NewString() + ".tmp"

	meta, err := cs.writeEnvelope(tempPath, &envelope)
	if err != nil {
		os.Remove(tempPath)
		return nil, err
	}
	meta.LastModifiedDate = timestamp

	metaPath := filepath.Join(cs.directory, cs.metaFileName(key))
	metaTempPath := metaPath + "." + uuid.NewString() + ".tmp"
	if err := cs.atomicPrepare(metaTempPath, []byte(meta.Format())); err != nil {
		os.Remove(tempPath)
		os.Remove(metaTempPath)
		return nil, shared.WrapError(err, shared.ErrorCategoryCache, "META_WRITE", "writePartition", false)
	}

	// Substitute payload first, then sidecar; a failure between the renames
	// is repaired by the next successful run.
	if err := os.Rename(tempPath, payloadPath); err != nil {
		os.Remove(tempPath)
		os.Remove(metaTempPath)
		return nil, shared.WrapError(err, shared.ErrorCategoryCache, "PARTITION_RENAME", "writePartition", false)
	}
	if err := os.Rename(metaTempPath, metaPath); err != nil {
		os.Remove(metaTempPath)
		return nil, shared.WrapError(err, shared.ErrorCategoryCache, "META_RENAME", "writePartition", false)
	}
	return meta, nil
}

// writeEnvelope streams the envelope through gzip while accumulating the
// compressed-byte digest and both byte counters.
func (cs *CacheService) writeEnvelope(path string, envelope *models.CveAPIResponse) (*models.PartitionMeta, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, shared.WrapError(err, shared.ErrorCategoryCache, "PARTITION_CREATE", "writeEnvelope", false)
	}

	digest := sha256.New()
	compressed := &countingWriter{}
	gz := gzip.NewWriter(io.MultiWriter(file, digest, compressed))
	uncompressed := &countingWriter{next: gz}

	encoder := json.NewEncoder(uncompressed)
	encoder.SetEscapeHTML(false)
	encodeErr := encoder.Encode(envelope)
	gzErr := gz.Close()
	syncErr := file.Sync()
	closeErr := file.Close()

	for _, err := range []error{encodeErr, gzErr, syncErr, closeErr} {
		if err != nil {
			return nil, shared.WrapError(err, shared.ErrorCategoryCache, "PARTITION_ENCODE", "writeEnvelope", false)
		}
	}

	return &models.PartitionMeta{
		Size:   uncompressed.count,
		GzSize: compressed.count,
		SHA256: hex.EncodeToString(digest.Sum(nil)),
	}, nil
}

// atomicPrepare writes content to a temp path and syncs it.
func (cs *CacheService) atomicPrepare(path string, content []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := file.Write(content); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// atomicWriteFile writes content through a temp file and renames it over the
// target.
func (cs *CacheService) atomicWriteFile(path string, content []byte) error {
	tempPath := path + "." + uuid.NewString() + ".tmp"
	if err := cs.atomicPrepare(tempPath, content); err != nil {
		os.Remove(tempPath)
		return err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return err
	}
	return nil
}

func (cs *CacheService) timestampProperty(key string) (time.Time, bool) {
	value, ok := cs.properties[key]
	if !ok || value == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(models.ManifestTimestampLayout, value)
	if err != nil {
		logrus.Warnf("Invalid %s value in cache.properties: %s", key, value)
		return time.Time{}, false
	}
	return parsed, true
}

// countingWriter counts bytes written, optionally forwarding them.
type countingWriter struct {
	next  io.Writer
	count int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if w.next != nil {
		n, err := w.next.Write(p)
		w.count += int64(n)
		return n, err
	}
	w.count += int64(len(p))
	return len(p), nil
}
