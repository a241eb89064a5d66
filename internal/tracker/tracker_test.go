package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Lllllllleong/casefileflow/internal/models"
)

func newTestTracker(t *testing.T) (*Tracker, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	tr := New(store)
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	tr.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return tr, store
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		stage    Stage
		from, to string
		want     bool
	}{
		{StageRecognition, "", models.StatusInProgress, true},
		{StageRecognition, models.StatusInProgress, models.StatusProcessed, true},
		{StageRecognition, models.StatusInProgress, models.StatusFailed, true},
		{StageRecognition, models.StatusProcessed, models.StatusFailed, false},
		{StageRecognition, models.StatusFailed, models.StatusProcessed, false},
		{StageRecognition, "", models.StatusProcessed, false},
		{StageExtraction, "", models.StatusInitiated, true},
		{StageExtraction, models.StatusInitiated, models.StatusProcessing, true},
		{StageExtraction, models.StatusInitiated, models.StatusFailed, true},
		{StageExtraction, models.StatusInitiated, models.StatusSuccess, false},
		{StageExtraction, models.StatusProcessing, models.StatusSuccess, true},
		{StageExtraction, models.StatusProcessing, models.StatusFailed, true},
		{StageExtraction, models.StatusSuccess, models.StatusFailed, false},
		{StageExtraction, models.StatusInProgress, models.StatusProcessed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.stage, tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %q, %q) = %v, want %v", tt.stage, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := map[string]bool{
		models.StatusProcessed:  true,
		models.StatusFailed:     true,
		models.StatusInProgress: false,
		"":                      false,
	}
	for status, want := range terminal {
		if got := IsTerminal(StageRecognition, status); got != want {
			t.Errorf("IsTerminal(recognition, %q) = %v, want %v", status, got, want)
		}
	}
	if !IsTerminal(StageExtraction, models.StatusSuccess) {
		t.Error("SUCCESS should be terminal")
	}
	if IsTerminal(StageExtraction, models.StatusProcessing) {
		t.Error("PROCESSING should not be terminal")
	}
}

func TestStartAndProcess(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)

	job := &models.RecognitionJob{JobID: "job-1", SourceBucket: "b", SourceKey: "source/a.pdf", FileType: "pdf"}
	if err := tr.Start(ctx, job); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, err := tr.Job(ctx, "job-1")
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if got.Status != models.StatusInProgress || got.Timestamp.IsZero() {
		t.Fatalf("started job = %+v", got)
	}

	conf := map[string]string{"2": "98.25"}
	done, err := tr.MarkProcessed(ctx, "job-1", conf, &models.Artifacts{FilteredKey: "filtered/a_job-1.pdf", TextKey: "words/a_job-1_all_words.txt"})
	if err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if done.Status != models.StatusProcessed || done.PageConfidence["2"] != "98.25" || done.FilteredKey == "" {
		t.Errorf("processed job = %+v", done)
	}
	if !done.UpdatedAt.After(done.Timestamp) {
		t.Error("UpdatedAt was not refreshed")
	}
	if done.SourceKey != "source/a.pdf" {
		t.Error("upsert lost existing fields")
	}
}

func TestStartTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	tr, store := newTestTracker(t)

	if err := tr.Start(ctx, &models.RecognitionJob{JobID: "job-1"}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Start(ctx, &models.RecognitionJob{JobID: "job-1"}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if store.Puts() != 1 {
		t.Errorf("puts = %d, want 1", store.Puts())
	}
}

func TestRestartProcessedJobRejected(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	if err := tr.Start(ctx, &models.RecognitionJob{JobID: "job-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.MarkProcessed(ctx, "job-1", nil, nil); err != nil {
		t.Fatal(err)
	}
	err := tr.Start(ctx, &models.RecognitionJob{JobID: "job-1"})
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
}

func TestRepeatedTransitionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tr, store := newTestTracker(t)
	if err := tr.Start(ctx, &models.RecognitionJob{JobID: "job-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.MarkProcessed(ctx, "job-1", map[string]string{"1": "90.00"}, nil); err != nil {
		t.Fatal(err)
	}
	puts := store.Puts()

	again, err := tr.MarkProcessed(ctx, "job-1", map[string]string{"1": "90.00"}, nil)
	if err != nil {
		t.Fatalf("repeated MarkProcessed: %v", err)
	}
	if again.Status != models.StatusProcessed {
		t.Errorf("status = %s", again.Status)
	}
	if store.Puts() != puts {
		t.Error("repeated transition wrote the record again")
	}

	if _, err := tr.MarkFailed(ctx, "job-1", "late failure"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("MarkFailed after PROCESSED: err = %v, want ErrIllegalTransition", err)
	}
}

func TestMarkFailedKeepsReason(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	if err := tr.Start(ctx, &models.RecognitionJob{JobID: "job-1", SourceKey: "source/x.pdf"}); err != nil {
		t.Fatal(err)
	}
	job, err := tr.MarkFailed(ctx, "job-1", "recognition failed: bad scan")
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if job.Status != models.StatusFailed || job.FailedReason != "recognition failed: bad scan" {
		t.Errorf("failed job = %+v", job)
	}
}

func TestMarkUnknownJob(t *testing.T) {
	tr, _ := newTestTracker(t)
	if _, err := tr.MarkFailed(context.Background(), "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPendingOldestFirst(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	for _, id := range []string{"job-a", "job-b", "job-c", "job-d"} {
		if err := tr.Start(ctx, &models.RecognitionJob{JobID: id}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tr.MarkFailed(ctx, "job-b", "x"); err != nil {
		t.Fatal(err)
	}

	pending, err := tr.Pending(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, j := range pending {
		ids = append(ids, j.JobID)
	}
	if len(ids) != 3 || ids[0] != "job-a" || ids[1] != "job-c" || ids[2] != "job-d" {
		t.Errorf("pending = %v, want [job-a job-c job-d]", ids)
	}

	limited, err := tr.Pending(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("limited pending = %d jobs, want 2", len(limited))
	}
}

func TestExtractionLifecycle(t *testing.T) {
	ctx := context.Background()
	tr, store := newTestTracker(t)
	if err := tr.Start(ctx, &models.RecognitionJob{JobID: "job-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.MarkProcessed(ctx, "job-1", nil, nil); err != nil {
		t.Fatal(err)
	}

	rec := &models.NarrativeRecord{DocumentID: "case_1a2b3c4d", CaseID: "7019846", OCRJobID: "job-1"}
	if err := tr.Initiate(ctx, rec); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if err := tr.Advance(ctx, rec, models.StatusProcessing); err != nil {
		t.Fatalf("Advance PROCESSING: %v", err)
	}
	rec.Results = map[string]any{
		models.InferenceResultKey: map[string]any{models.MergedNarrativeKey: "hechos"},
	}
	if err := tr.Advance(ctx, rec, models.StatusSuccess); err != nil {
		t.Fatalf("Advance SUCCESS: %v", err)
	}

	stored, err := store.GetNarrative(ctx, "case_1a2b3c4d")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusSuccess || stored.Narrative() != "hechos" {
		t.Errorf("stored narrative = %+v", stored)
	}
	if err := tr.Advance(ctx, rec, models.StatusFailed); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("FAILED after SUCCESS: err = %v, want ErrIllegalTransition", err)
	}
}

func TestInitiateRequiresProcessedJob(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	if err := tr.Start(ctx, &models.RecognitionJob{JobID: "job-1"}); err != nil {
		t.Fatal(err)
	}
	err := tr.Initiate(ctx, &models.NarrativeRecord{DocumentID: "doc", OCRJobID: "job-1"})
	if !errors.Is(err, ErrStageOrder) {
		t.Fatalf("err = %v, want ErrStageOrder", err)
	}
}

func TestAdvanceSkipsProcessing(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	rec := &models.NarrativeRecord{DocumentID: "doc"}
	if err := tr.Initiate(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if err := tr.Advance(ctx, rec, models.StatusSuccess); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("err = %v, want ErrIllegalTransition", err)
	}
	rec.FailedReason = "extractor unavailable"
	if err := tr.Advance(ctx, rec, models.StatusFailed); err != nil {
		t.Fatalf("INITIATED -> FAILED: %v", err)
	}
}

func TestNarrativesFilter(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	for _, id := range []string{"a", "b"} {
		if err := tr.Initiate(ctx, &models.NarrativeRecord{DocumentID: id}); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := tr.store.GetNarrative(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Advance(ctx, rec, models.StatusFailed); err != nil {
		t.Fatal(err)
	}

	failed, err := tr.Narratives(ctx, models.StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].DocumentID != "b" {
		t.Errorf("failed narratives = %v", failed)
	}
	all, err := tr.Narratives(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].DocumentID != "a" {
		t.Errorf("all narratives = %v", all)
	}
}

func TestStartRejectsSecondActiveJobForSource(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker(t)
	first := &models.RecognitionJob{JobID: "job-1", SourceBucket: "b", SourceKey: "source/a.pdf"}
	if err := tr.Start(ctx, first); err != nil {
		t.Fatal(err)
	}

	err := tr.Start(ctx, &models.RecognitionJob{JobID: "job-2", SourceBucket: "b", SourceKey: "source/a.pdf"})
	if !errors.Is(err, ErrSourceBusy) {
		t.Fatalf("err = %v, want ErrSourceBusy", err)
	}
	// Same key in another bucket is a different source.
	if err := tr.Start(ctx, &models.RecognitionJob{JobID: "job-3", SourceBucket: "other", SourceKey: "source/a.pdf"}); err != nil {
		t.Fatalf("Start in other bucket: %v", err)
	}

	active, err := tr.ActiveJob(ctx, "b", "source/a.pdf")
	if err != nil || active.JobID != "job-1" {
		t.Fatalf("ActiveJob = %+v, %v; want job-1", active, err)
	}

	if _, err := tr.MarkProcessed(ctx, "job-1", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.ActiveJob(ctx, "b", "source/a.pdf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActiveJob after completion err = %v, want ErrNotFound", err)
	}
	if err := tr.Start(ctx, &models.RecognitionJob{JobID: "job-4", SourceBucket: "b", SourceKey: "source/a.pdf"}); err != nil {
		t.Fatalf("resubmission after completion: %v", err)
	}
}
