package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/Lllllllleong/casefileflow/internal/gcp"
	"github.com/Lllllllleong/casefileflow/internal/tracker"
)

const (
	narrativesSheet = "Narratives"
	summarySheet    = "Summary"
)

var exportHeaders = []string{
	"Document ID", "Case ID", "Source Key", "OCR Job ID", "Status", "Field Structured", "Narrative", "Failed Reason", "Updated At",
}

// ExportFunction writes narrative records to a workbook for analysts.
type ExportFunction struct {
	tracker *tracker.Tracker
}

func NewExport(ctx context.Context) (*ExportFunction, error) {
	projectID := gcp.GetEnv("PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	store := tracker.NewFirestoreStore(firestoreClient,
		gcp.GetEnv("FIRESTORE_JOBS_COLLECTION", "ocr_jobs"),
		gcp.GetEnv("FIRESTORE_DOCUMENTS_COLLECTION", "documents"),
	)
	return newExport(tracker.New(store)), nil
}

func newExport(tr *tracker.Tracker) *ExportFunction {
	return &ExportFunction{tracker: tr}
}

// Export writes an .xlsx workbook with one row per narrative record, optionally
// filtered by status, and a per-status summary sheet. It returns the row count.
func (f *ExportFunction) Export(ctx context.Context, w io.Writer, status string) (int, error) {
	recs, err := f.tracker.Narratives(ctx, status)
	if err != nil {
		return 0, err
	}

	book := excelize.NewFile()
	defer func() {
		if err := book.Close(); err != nil {
			slog.Warn("Failed to close workbook.", "error", err)
		}
	}()

	if err := book.SetSheetName("Sheet1", narrativesSheet); err != nil {
		return 0, fmt.Errorf("failed to name sheet: %w", err)
	}
	for i, header := range exportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		book.SetCellValue(narrativesSheet, cell, header)
	}

	counts := make(map[string]int)
	for i, rec := range recs {
		row := []any{
			rec.DocumentID,
			rec.CaseID,
			rec.OriginalKey,
			rec.OCRJobID,
			rec.Status,
			rec.FieldStructured,
			rec.Narrative(),
			rec.FailedReason,
			rec.UpdatedAt.Format("2006-01-02 15:04:05"),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := book.SetSheetRow(narrativesSheet, cell, &row); err != nil {
			return 0, fmt.Errorf("failed to write row for %s: %w", rec.DocumentID, err)
		}
		counts[rec.Status]++
	}
	book.SetColWidth(narrativesSheet, "A", "F", 20)
	book.SetColWidth(narrativesSheet, "G", "G", 80)

	if _, err := book.NewSheet(summarySheet); err != nil {
		return 0, fmt.Errorf("failed to create sheet: %w", err)
	}
	book.SetCellValue(summarySheet, "A1", "Status")
	book.SetCellValue(summarySheet, "B1", "Count")
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for i, s := range statuses {
		book.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+2), s)
		book.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+2), counts[s])
	}
	book.SetCellValue(summarySheet, fmt.Sprintf("A%d", len(statuses)+2), "Total")
	book.SetCellValue(summarySheet, fmt.Sprintf("B%d", len(statuses)+2), len(recs))

	if err := book.Write(w); err != nil {
		return 0, fmt.Errorf("failed to write Excel file: %w", err)
	}
	return len(recs), nil
}
