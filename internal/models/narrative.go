package models

import "time"

// NarrativeField is the key the language model is asked to fill.
const NarrativeField = "contenido_denuncia"

// MergedNarrativeKey is the reserved key under inference_result holding the narrative.
const MergedNarrativeKey = "contenido_denuncia_from_txt"

// InferenceResultKey holds the extractor output inside Results.
const InferenceResultKey = "inference_result"

// NarrativeRecord tracks the extraction stage for one filtered artifact.
type NarrativeRecord struct {
	DocumentID      string         `firestore:"documentId"`
	CaseID          string         `firestore:"caseId"`
	OCRJobID        string         `firestore:"ocrJobId,omitempty"`
	ExtractionJobID string         `firestore:"extractionJobId,omitempty"`
	OriginalKey     string         `firestore:"originalKey"`
	InputURI        string         `firestore:"inputUri"`
	OutputURI       string         `firestore:"outputUri"`
	Status          string         `firestore:"status"`
	Results         map[string]any `firestore:"results,omitempty"`
	FieldStructured bool           `firestore:"fieldStructured"`
	FailedReason    string         `firestore:"failedReason,omitempty"`
	CreatedAt       time.Time      `firestore:"createdAt"`
	UpdatedAt       time.Time      `firestore:"updatedAt"`
}

var reservedRecordFields = map[string]struct{}{
	"documentId": {}, "caseId": {}, "ocrJobId": {}, "extractionJobId": {}, "originalKey": {},
	"inputUri": {}, "outputUri": {}, "status": {}, "results": {}, "fieldStructured": {},
	"failedReason": {}, "createdAt": {}, "updatedAt": {},
}

// Narrative returns the merged narrative text, if any.
func (r *NarrativeRecord) Narrative() string {
	inference, _ := r.Results[InferenceResultKey].(map[string]any)
	s, _ := inference[MergedNarrativeKey].(string)
	return s
}

// Document renders the record as stored. When the extractor reported field-structured
// output, each inference field is also written as a top-level column; keys that collide
// with the record's own fields are left nested only.
func (r *NarrativeRecord) Document() map[string]any {
	doc := map[string]any{
		"documentId":      r.DocumentID,
		"caseId":          r.CaseID,
		"originalKey":     r.OriginalKey,
		"inputUri":        r.InputURI,
		"outputUri":       r.OutputURI,
		"status":          r.Status,
		"fieldStructured": r.FieldStructured,
		"createdAt":       r.CreatedAt,
		"updatedAt":       r.UpdatedAt,
	}
	if r.OCRJobID != "" {
		doc["ocrJobId"] = r.OCRJobID
	}
	if r.ExtractionJobID != "" {
		doc["extractionJobId"] = r.ExtractionJobID
	}
	if r.FailedReason != "" {
		doc["failedReason"] = r.FailedReason
	}
	if len(r.Results) > 0 {
		doc["results"] = r.Results
	}
	if !r.FieldStructured {
		return doc
	}
	inference, _ := r.Results[InferenceResultKey].(map[string]any)
	for k, v := range inference {
		if _, reserved := reservedRecordFields[k]; reserved {
			continue
		}
		doc[k] = v
	}
	return doc
}
