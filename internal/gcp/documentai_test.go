package gcp

import (
	"reflect"
	"testing"

	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/genproto/googleapis/rpc/status"

	"github.com/Lllllllleong/casefileflow/internal/extraction"
	"github.com/Lllllllleong/casefileflow/internal/models"
)

func segment(start, end int64) *documentaipb.Document_TextAnchor {
	return &documentaipb.Document_TextAnchor{
		TextSegments: []*documentaipb.Document_TextAnchor_TextSegment{{StartIndex: start, EndIndex: end}},
	}
}

func TestLineBlocks(t *testing.T) {
	// "Acta de intervención\n" is 21 runes; the accented letter is two bytes.
	doc := &documentaipb.Document{
		Text: "Acta de intervención\nPNP Lima\nDenunciante\n",
		Pages: []*documentaipb.Document_Page{
			{
				PageNumber: 1,
				Lines: []*documentaipb.Document_Page_Line{
					{Layout: &documentaipb.Document_Page_Layout{TextAnchor: segment(0, 21), Confidence: 0.98}},
					{Layout: &documentaipb.Document_Page_Layout{TextAnchor: segment(21, 30), Confidence: 0.5}},
				},
			},
			{
				PageNumber: 2,
				Lines: []*documentaipb.Document_Page_Line{
					{Layout: &documentaipb.Document_Page_Layout{TextAnchor: segment(30, 42), Confidence: 1}},
				},
			},
		},
	}

	got := lineBlocks(doc)
	want := []struct {
		page int
		text string
	}{
		{1, "Acta de intervención"},
		{1, "PNP Lima"},
		{2, "Denunciante"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d blocks, want %d: %+v", len(got), len(want), got)
	}
	for i, w := range want {
		if got[i].Page != w.page || got[i].Text != w.text || got[i].Kind != models.BlockKindLine {
			t.Errorf("block %d = %+v, want page %d text %q", i, got[i], w.page, w.text)
		}
	}
	if c := got[1].Confidence; c != 50 {
		t.Errorf("confidence = %v, want 50", c)
	}
}

func TestAnchorTextOutOfRange(t *testing.T) {
	if got := anchorText([]rune("abc"), segment(1, 10)); got != "" {
		t.Errorf("anchorText() = %q, want empty", got)
	}
}

func TestResultFromDocument(t *testing.T) {
	narrative := resultFromDocument(&documentaipb.Document{Text: "hechos"}, "gs://r/x-0.json")
	if narrative.Kind != extraction.KindNarrative || narrative.Text != "hechos" {
		t.Errorf("narrative result = %+v", narrative)
	}

	doc := &documentaipb.Document{
		Entities: []*documentaipb.Document_Entity{
			{Type: "placa", MentionText: "ABC 123", NormalizedValue: &documentaipb.Document_Entity_NormalizedValue{Text: "ABC-123"}},
			{Type: "involucrado", MentionText: "Juan"},
			{Type: "involucrado", MentionText: "María"},
			{Type: "involucrado", MentionText: "Rosa"},
		},
	}
	fields := resultFromDocument(doc, "gs://r/x-0.json")
	if fields.Kind != extraction.KindFields {
		t.Fatalf("kind = %s, want fields", fields.Kind)
	}
	want := map[string]any{
		"placa":       "ABC-123",
		"involucrado": []any{"Juan", "María", "Rosa"},
	}
	if !reflect.DeepEqual(fields.Fields, want) {
		t.Errorf("fields = %v, want %v", fields.Fields, want)
	}
}

func TestSortShards(t *testing.T) {
	shards := []string{
		"out/123/0/doc-10.json",
		"out/123/0/doc-2.json",
		"out/123/0/doc-0.json",
		"out/123/0/doc-1.json",
	}
	sortShards(shards)
	want := []string{"out/123/0/doc-0.json", "out/123/0/doc-1.json", "out/123/0/doc-2.json", "out/123/0/doc-10.json"}
	if !reflect.DeepEqual(shards, want) {
		t.Errorf("sortShards() = %v", shards)
	}
}

func TestJobIDFromOperation(t *testing.T) {
	if got := jobIDFromOperation("projects/123/locations/us/operations/987654321"); got != "987654321" {
		t.Errorf("jobIDFromOperation() = %q", got)
	}
}

func TestStateFromMetadata(t *testing.T) {
	ok := stateFromMetadata(&documentaipb.BatchProcessMetadata{
		State: documentaipb.BatchProcessMetadata_SUCCEEDED,
		IndividualProcessStatuses: []*documentaipb.BatchProcessMetadata_IndividualProcessStatus{
			{OutputGcsDestination: "gs://out/ocr/987/0", Status: &status.Status{}},
		},
	})
	if ok.Status != models.RecognitionSucceeded || ok.OutputURI != "gs://out/ocr/987/0" {
		t.Errorf("succeeded state = %+v", ok)
	}

	failed := stateFromMetadata(&documentaipb.BatchProcessMetadata{
		State: documentaipb.BatchProcessMetadata_SUCCEEDED,
		IndividualProcessStatuses: []*documentaipb.BatchProcessMetadata_IndividualProcessStatus{
			{Status: &status.Status{Code: 3, Message: "unsupported file"}},
		},
	})
	if failed.Status != models.RecognitionFailed || failed.Message != "unsupported file" {
		t.Errorf("per-document failure state = %+v", failed)
	}

	cancelled := stateFromMetadata(&documentaipb.BatchProcessMetadata{State: documentaipb.BatchProcessMetadata_CANCELLED, StateMessage: "cancelled"})
	if cancelled.Status != models.RecognitionFailed {
		t.Errorf("cancelled state = %+v", cancelled)
	}
}
