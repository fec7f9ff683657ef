package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ManifestTimestampLayout is the timestamp format used in cache.properties
// and partition sidecar files (ISO-8601 with offset, second precision).
const ManifestTimestampLayout = "2006-01-02T15:04:05Z07:00"

// Manifest property keys.
const (
	ManifestKeyPrefix           = "prefix"
	ManifestKeyLastModifiedDate = "lastModifiedDate"
)

// ModifiedPartitionKey is the denormalized partition holding records modified
// within the recency window.
const ModifiedPartitionKey = "modified"

// FirstPartitionYear is the earliest year partition; older records fold into
// it.
const FirstPartitionYear = 2002

// PartitionMeta is the sidecar metadata written next to each partition file.
type PartitionMeta struct {
	LastModifiedDate time.Time
	Size             int64
	GzSize           int64
	SHA256           string
}

// Format renders the sidecar file content. Size is the uncompressed byte
// count; GzSize is the on-disk size of the gzip file; the digest is computed
// over the compressed bytes.
func (m *PartitionMeta) Format() string {
	var sb strings.Builder
	sb.WriteString("lastModifiedDate:" + m.LastModifiedDate.UTC().Format(ManifestTimestampLayout) + "\n")
	sb.WriteString("size:" + strconv.FormatInt(m.Size, 10) + "\n")
	sb.WriteString("gzSize:" + strconv.FormatInt(m.GzSize, 10) + "\n")
	sb.WriteString("sha256:" + m.SHA256 + "\n")
	return sb.String()
}

// ParsePartitionMeta parses sidecar file content produced by Format.
func ParsePartitionMeta(content string) (*PartitionMeta, error) {
	meta := &PartitionMeta{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return nil, fmt.Errorf("invalid meta line: %q", line)
		}
		switch key {
		case "lastModifiedDate":
			parsed, err := time.Parse(ManifestTimestampLayout, value)
			if err != nil {
				return nil, fmt.Errorf("invalid meta timestamp %q: %w", value, err)
			}
			meta.LastModifiedDate = parsed
		case "size":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid meta size %q: %w", value, err)
			}
			meta.Size = parsed
		case "gzSize":
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid meta gzSize %q: %w", value, err)
			}
			meta.GzSize = parsed
		case "sha256":
			meta.SHA256 = value
		default:
			return nil, fmt.Errorf("unknown meta key: %q", key)
		}
	}
	return meta, nil
}
