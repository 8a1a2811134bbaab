package handlers

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/chunkflow/chunkflow/models"
	"github.com/chunkflow/chunkflow/queue"
)

// DocumentHandler extracts text from a PDF page by page. Pages are the
// chunk boundary: the control token is checked before each one and
// progress is reported after.
type DocumentHandler struct{}

// PageStats is the per-page record the extraction emits.
type PageStats struct {
	Page       int `json:"page"`
	Lines      int `json:"lines"`
	Characters int `json:"characters"`
}

// DocumentResult summarizes a completed extraction.
type DocumentResult struct {
	Pages      int         `json:"pages"`
	Characters int         `json:"characters"`
	PerPage    []PageStats `json:"per_page"`
}

// ValidatePayload rejects payloads without a source file at submission.
func (h *DocumentHandler) ValidatePayload(raw json.RawMessage) error {
	var payload models.DocumentExtractPayload
	if err := models.DecodePayload(raw, &payload); err != nil {
		return err
	}
	if payload.SourceFile == "" {
		return models.Invalid("document payload needs a source_file")
	}
	return nil
}

// Run implements queue.Handler.
func (h *DocumentHandler) Run(ctx context.Context, job *models.Job, report queue.ProgressFunc, control *models.Control) (any, error) {
	var payload models.DocumentExtractPayload
	if err := models.DecodePayload(job.Payload, &payload); err != nil {
		return nil, err
	}
	if _, err := os.Stat(payload.SourceFile); os.IsNotExist(err) {
		return nil, models.Permanent("source file does not exist: %s", payload.SourceFile)
	}

	f, r, err := pdf.Open(payload.SourceFile)
	if err != nil {
		// A document we cannot parse will not parse on retry either.
		return nil, models.Permanent("open pdf: %v", err)
	}
	defer f.Close()

	totalPages := r.NumPage()
	result := &DocumentResult{}
	report(0)

	for pageIndex := 1; pageIndex <= totalPages; pageIndex++ {
		if err := control.Checkpoint(checkpointPoll); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, models.ErrProcessingCancelled
		}

		p := r.Page(pageIndex)
		if p.V.IsNull() {
			continue
		}

		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, models.Permanent("extract text from page %d: %v", pageIndex, err)
		}

		result.Pages++
		result.Characters += len(text)
		result.PerPage = append(result.PerPage, PageStats{
			Page:       pageIndex,
			Lines:      strings.Count(text, "\n") + 1,
			Characters: len(text),
		})

		report(pageIndex * 100 / totalPages)
	}

	return result, nil
}
