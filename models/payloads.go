package models

import (
	"bytes"
	"encoding/json"
)

// One payload struct per registered job type. Handlers decode the raw
// payload into their own variant with DecodePayload, so dispatch stays
// statically checkable instead of passing loose maps around.

// BatchPayload drives the batch-process handler: a bounded array of
// records worked through in fixed-size sub-batches.
type BatchPayload struct {
	Items     []json.RawMessage `json:"items"`
	BatchSize int               `json:"batch_size,omitempty"`
}

// FileIngestPayload drives the file-ingest handler: a large on-disk input
// streamed through the chunker.
type FileIngestPayload struct {
	Path      string `json:"path"`
	ChunkSize int    `json:"chunk_size,omitempty"`
}

// DocumentExtractPayload drives the document-extract handler.
type DocumentExtractPayload struct {
	SourceFile string `json:"source_file"`
	OutputDir  string `json:"output_dir,omitempty"`
}

// AnalysisMode selects the speed/accuracy trade-off for dataset analysis.
type AnalysisMode string

const (
	ModeQuick    AnalysisMode = "quick"    // preview, lowest accuracy
	ModeBalanced AnalysisMode = "balanced" // statistical sample
	ModeThorough AnalysisMode = "thorough" // full run, highest accuracy
)

// DatasetAnalysisPayload drives the dataset-analysis handler via the
// progressive processor.
type DatasetAnalysisPayload struct {
	Records         []json.RawMessage `json:"records"`
	Mode            AnalysisMode      `json:"mode,omitempty"`
	StratifyKey     string            `json:"stratify_key,omitempty"`
	ContinueOnError bool              `json:"continue_on_error,omitempty"`
}

// DecodePayload unmarshals a job payload into its typed variant,
// returning a ValidationError on malformed input.
func DecodePayload(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return Invalid("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return Invalid("malformed payload: %v", err)
	}
	return nil
}
