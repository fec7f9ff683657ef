package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/openvulnfeed/nvd-mirror/models"
	"github.com/openvulnfeed/nvd-mirror/shared"
)

// OutputWriter streams the non-cache output envelope: a single JSON object
// with a "cves" array of record payloads followed by a "results" status
// object. Records are emitted as they arrive so the full data set is never
// held in memory.
type OutputWriter struct {
	writer io.Writer
	pretty bool

	started  bool
	finished bool
	failed   bool
	count    int
	output   models.BasicOutput
}

// NewOutputWriter creates a writer emitting to w.
func NewOutputWriter(w io.Writer, pretty bool) *OutputWriter {
	return &OutputWriter{writer: w, pretty: pretty}
}

// Output returns the accumulated status object.
func (ow *OutputWriter) Output() *models.BasicOutput {
	return &ow.output
}

// WriteRecord appends one record payload to the cves array, opening the
// envelope on first use.
func (ow *OutputWriter) WriteRecord(payload json.RawMessage) error {
	if ow.finished {
		return shared.NewServiceError(shared.ErrorCategoryConfiguration, "WRITER_FINISHED",
			"output writer already finished", "WriteRecord", false, nil)
	}
	if err := ow.begin(); err != nil {
		return err
	}
	if ow.count > 0 {
		separator := ","
		if ow.pretty {
			separator = ",\n    "
		}
		if err := ow.writeString(separator); err != nil {
			return err
		}
	}
	rendered := payload
	if ow.pretty {
		var indented bytes.Buffer
		if err := json.Indent(&indented, payload, "    ", "  "); err == nil {
			rendered = indented.Bytes()
		}
	}
	if _, err := ow.writer.Write(rendered); err != nil {
		return shared.WrapError(err, shared.ErrorCategoryCache, "OUTPUT_WRITE", "WriteRecord", false)
	}
	ow.count++
	ow.output.AddCount(1)
	return nil
}

// MarkBatchEmitted records that a batch arrived successfully; success
// requires at least one, even when the batch itself is empty. A recorded
// failure is final.
func (ow *OutputWriter) MarkBatchEmitted() {
	if !ow.failed {
		ow.output.Success = true
	}
}

// RecordFailure marks the run failed with the upstream status code; the
// reason lands in the results object.
func (ow *OutputWriter) RecordFailure(statusCode int) {
	ow.failed = true
	ow.output.Success = false
	ow.output.Reason = fmt.Sprintf("Received HTTP Status Code: %d", statusCode)
}

// SetLastModifiedDate forwards the latest server-reported snapshot time.
func (ow *OutputWriter) SetLastModifiedDate(t models.Timestamp) {
	ow.output.SetLastModifiedDate(t)
}

// Finish closes the cves array, writes the results object, and closes the
// envelope. Idempotent.
func (ow *OutputWriter) Finish() error {
	if ow.finished {
		return nil
	}
	if err := ow.begin(); err != nil {
		return err
	}
	ow.finished = true

	results, err := json.Marshal(&ow.output)
	if err != nil {
		return shared.WrapError(err, shared.ErrorCategoryDecode, "RESULTS_ENCODE", "Finish", false)
	}
	if ow.pretty {
		var indented bytes.Buffer
		if indentErr := json.Indent(&indented, results, "  ", "  "); indentErr == nil {
			results = indented.Bytes()
		}
		return ow.writeString("\n  ],\n  \"results\": " + string(results) + "\n}\n")
	}
	return ow.writeString("],\"results\":" + string(results) + "}")
}

func (ow *OutputWriter) begin() error {
	if ow.started {
		return nil
	}
	ow.started = true
	if ow.pretty {
		return ow.writeString("{\n  \"cves\": [\n    ")
	}
	return ow.writeString("{\"cves\":[")
}

func (ow *OutputWriter) writeString(s string) error {
	if _, err := io.WriteString(ow.writer, s); err != nil {
		return shared.WrapError(err, shared.ErrorCategoryCache, "OUTPUT_WRITE", "writeString", false)
	}
	return nil
}
