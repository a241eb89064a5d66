// Package extraction shapes the structured-extraction output of a filtered case
// file and the narrative a language model pulls from its matched text.
package extraction

import (
	"maps"

	"github.com/Lllllllleong/casefileflow/internal/models"
)

// Kind tells how the extractor structured its output.
type Kind int

const (
	// KindNarrative is opaque output: the document text with no labelled fields.
	KindNarrative Kind = iota
	// KindFields is field-structured output: one value per labelled field.
	KindFields
)

func (k Kind) String() string {
	if k == KindFields {
		return "fields"
	}
	return "narrative"
}

// Result is the extractor output for one document, resolved into a variant when
// it is received.
type Result struct {
	Kind Kind
	// Fields holds the labelled values when Kind is KindFields.
	Fields map[string]any
	// Text holds the full document text when Kind is KindNarrative.
	Text string
	// SourceURI is the object the result was read from.
	SourceURI string
}

func NewFields(fields map[string]any, sourceURI string) Result {
	return Result{Kind: KindFields, Fields: fields, SourceURI: sourceURI}
}

func NewNarrative(text, sourceURI string) Result {
	return Result{Kind: KindNarrative, Text: text, SourceURI: sourceURI}
}

// FieldStructured reports whether the result's fields may be promoted to top-level columns.
func (r Result) FieldStructured() bool {
	return r.Kind == KindFields
}

// InferenceResult renders the result as stored under inference_result.
func (r Result) InferenceResult() map[string]any {
	if r.Kind == KindFields {
		out := make(map[string]any, len(r.Fields)+1)
		maps.Copy(out, r.Fields)
		return out
	}
	return map[string]any{"document_text": r.Text}
}

// Merge combines the extractor result with the coerced model payload into the
// stored results map. The narrative lands under inference_result.contenido_denuncia_from_txt.
func Merge(r Result, payload map[string]any) map[string]any {
	inference := r.InferenceResult()
	inference[models.MergedNarrativeKey] = payload[models.NarrativeField]
	return map[string]any{models.InferenceResultKey: inference}
}

// Partial is the results map kept on a failed record: the extractor output without a narrative.
func Partial(r Result) map[string]any {
	return map[string]any{models.InferenceResultKey: r.InferenceResult()}
}
