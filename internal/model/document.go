package model

import "time"

// DocumentStatus tracks the lifecycle of a registered document.
type DocumentStatus string

const (
	DocumentStatusPending DocumentStatus = "pending"
	DocumentStatusSuccess DocumentStatus = "success"
	DocumentStatusFailed  DocumentStatus = "failed"
)

// ValidationStatus is the tri-state outcome of candidate validation.
type ValidationStatus string

const (
	ValidationValid   ValidationStatus = "valid"
	ValidationWarning ValidationStatus = "warning"
	ValidationInvalid ValidationStatus = "invalid"
	ValidationSkipped ValidationStatus = "not_validated"
)

// DocumentRecord is one registered document. Records are unique per content
// hash, so re-submitting identical bytes maps to the same id.
type DocumentRecord struct {
	ID             string         `json:"id"`
	Filename       string         `json:"filename"`
	Path           string         `json:"path"`
	ContentHash    string         `json:"content_hash"`
	SizeBytes      int64          `json:"size_bytes"`
	FileType       string         `json:"file_type"`
	Status         DocumentStatus `json:"status"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
	ProcessingSecs float64        `json:"processing_secs"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ExtractionRecord is one persisted determination for a field. Rows are
// append-only; the current value of a field is the most recent row.
type ExtractionRecord struct {
	ID                int64            `json:"id"`
	DocumentID        string           `json:"document_id"`
	FieldName         string           `json:"field_name"`
	Value             string           `json:"value"`
	Confidence        float64          `json:"confidence"`
	Context           string           `json:"context,omitempty"`
	ValidationStatus  ValidationStatus `json:"validation_status"`
	ValidationMessage string           `json:"validation_message,omitempty"`
	SourceURLs        []string         `json:"source_urls,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Candidate converts the record back to a stage candidate.
func (e ExtractionRecord) Candidate() Candidate {
	return Candidate{
		Value:      e.Value,
		Confidence: e.Confidence,
		Context:    e.Context,
		SourceURLs: e.SourceURLs,
	}
}
