package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// nvdTimestampLayouts covers the timestamp shapes the NVD API emits. The API
// omits the zone designator on record dates but includes fractional seconds.
var nvdTimestampLayouts = []string{
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
}

// Timestamp wraps time.Time with NVD-compatible JSON encoding. All values are
// normalized to UTC on decode.
type Timestamp struct {
	time.Time
}

// NewTimestamp creates a Timestamp normalized to UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// UnmarshalJSON parses any of the timestamp layouts used by the NVD API.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	if value == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range nvdTimestampLayouts {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp format: %q", value)
}

// MarshalJSON emits the NVD envelope format (UTC, millisecond precision, no
// zone designator).
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format("2006-01-02T15:04:05.000"))
}

// CveItem is a single CVE record. Only the identifier and the two lifecycle
// dates are decoded; the full payload is preserved verbatim so that records
// round-trip byte-for-byte through the cache.
type CveItem struct {
	ID           string
	Published    Timestamp
	LastModified Timestamp

	raw json.RawMessage
}

// UnmarshalJSON decodes the indexed fields and retains the raw payload.
func (c *CveItem) UnmarshalJSON(data []byte) error {
	var indexed struct {
		ID           string    `json:"id"`
		Published    Timestamp `json:"published"`
		LastModified Timestamp `json:"lastModified"`
	}
	if err := json.Unmarshal(data, &indexed); err != nil {
		return err
	}
	c.ID = indexed.ID
	c.Published = indexed.Published
	c.LastModified = indexed.LastModified
	c.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON emits the record exactly as it was received.
func (c CveItem) MarshalJSON() ([]byte, error) {
	if c.raw == nil {
		return []byte("null"), nil
	}
	return c.raw, nil
}

// Raw returns the preserved payload bytes.
func (c *CveItem) Raw() json.RawMessage {
	return c.raw
}

// PartitionYear returns the year partition key for the record. Records
// published before 2002 are folded into the "2002" partition.
func (c *CveItem) PartitionYear() string {
	year := c.Published.Year()
	if year < 2002 {
		year = 2002
	}
	return strconv.Itoa(year)
}

// DefCveItem is the wrapper object used by the NVD API envelope; each entry
// of the vulnerabilities array is {"cve": {...}}.
type DefCveItem struct {
	CVE CveItem `json:"cve"`
}

// CveAPIResponse is the NVD CVE API 2.0 response envelope. The same shape is
// used for the on-disk partition files.
type CveAPIResponse struct {
	ResultsPerPage  int          `json:"resultsPerPage"`
	StartIndex      int          `json:"startIndex"`
	TotalResults    int          `json:"totalResults"`
	Format          string       `json:"format"`
	Version         string       `json:"version"`
	Timestamp       Timestamp    `json:"timestamp"`
	Vulnerabilities []DefCveItem `json:"vulnerabilities"`
}

// PageBatch is the unit of work handed from a paged client to its consumer:
// one decoded page of records plus the envelope bookkeeping.
type PageBatch struct {
	Records         []DefCveItem
	TotalAvailable  int
	ServerTimestamp Timestamp
}

// Count returns the number of records in the batch.
func (b *PageBatch) Count() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}
