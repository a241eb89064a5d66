// Package tracker is the persistent state machine for recognition jobs and the
// narrative extraction that follows them.
//
// A job moves through two sequential stages. The recognition stage goes
// IN_PROGRESS -> PROCESSED | FAILED. Only a PROCESSED job may enter the
// extraction stage, which goes INITIATED -> PROCESSING -> SUCCESS | FAILED.
// Every transition is a full-record upsert keyed by the record's ID.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/casefileflow/internal/models"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrStageOrder is returned when extraction is started for a job that has not been processed.
	ErrStageOrder = errors.New("recognition stage not complete")
	// ErrSourceBusy is returned when a source document already has an IN_PROGRESS job.
	ErrSourceBusy = errors.New("source already has an active job")
)

// Stage selects one of the two transition tables.
type Stage int

const (
	StageRecognition Stage = iota
	StageExtraction
)

func (s Stage) String() string {
	if s == StageExtraction {
		return "extraction"
	}
	return "recognition"
}

// An empty from-status means the record does not exist yet.
var transitions = map[Stage]map[string][]string{
	StageRecognition: {
		"":                      {models.StatusInProgress},
		models.StatusInProgress: {models.StatusProcessed, models.StatusFailed},
	},
	StageExtraction: {
		"":                      {models.StatusInitiated},
		models.StatusInitiated:  {models.StatusProcessing, models.StatusFailed},
		models.StatusProcessing: {models.StatusSuccess, models.StatusFailed},
	},
}

// CanTransition reports whether a record of the given stage may move from one status to another.
func CanTransition(stage Stage, from, to string) bool {
	for _, next := range transitions[stage][from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible from status.
func IsTerminal(stage Stage, status string) bool {
	if status == "" {
		return false
	}
	return len(transitions[stage][status]) == 0
}

func checkTransition(stage Stage, from, to string) error {
	if CanTransition(stage, from, to) {
		return nil
	}
	if from == "" {
		from = "<none>"
	}
	return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, stage, from, to)
}

// Tracker applies status transitions to records held in a Store.
type Tracker struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

// Start records a freshly submitted job as IN_PROGRESS. Starting a job that is
// already IN_PROGRESS is a no-op. A source holds at most one IN_PROGRESS job;
// starting a second one returns ErrSourceBusy.
func (t *Tracker) Start(ctx context.Context, job *models.RecognitionJob) error {
	if job.JobID == "" {
		return errors.New("job ID is required")
	}
	current, err := t.store.GetJob(ctx, job.JobID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to load job %s: %w", job.JobID, err)
	case current.Status == models.StatusInProgress:
		return nil
	default:
		return checkTransition(StageRecognition, current.Status, models.StatusInProgress)
	}

	if job.SourceKey != "" {
		active, err := t.ActiveJob(ctx, job.SourceBucket, job.SourceKey)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			return fmt.Errorf("%w: %s is held by job %s", ErrSourceBusy, job.SourceKey, active.JobID)
		}
	}

	now := t.now().UTC()
	job.Status = models.StatusInProgress
	job.Timestamp = now
	job.UpdatedAt = now
	if err := t.store.PutJob(ctx, job); err != nil {
		return fmt.Errorf("failed to record job %s: %w", job.JobID, err)
	}
	return nil
}

// ActiveJob returns the IN_PROGRESS job for a source document, or ErrNotFound.
func (t *Tracker) ActiveJob(ctx context.Context, bucket, sourceKey string) (*models.RecognitionJob, error) {
	job, err := t.store.ActiveJob(ctx, bucket, sourceKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to look up active job for %s: %w", sourceKey, err)
	}
	return job, err
}

// Job returns the stored record for jobID.
func (t *Tracker) Job(ctx context.Context, jobID string) (*models.RecognitionJob, error) {
	return t.store.GetJob(ctx, jobID)
}

// MarkProcessed completes the recognition stage. artifacts is nil when no page matched.
func (t *Tracker) MarkProcessed(ctx context.Context, jobID string, confidence map[string]string, artifacts *models.Artifacts) (*models.RecognitionJob, error) {
	return t.transitionJob(ctx, jobID, models.StatusProcessed, func(job *models.RecognitionJob) {
		job.PageConfidence = confidence
		if artifacts != nil {
			job.FilteredKey = artifacts.FilteredKey
			job.TextKey = artifacts.TextKey
		}
	})
}

// MarkFailed records a terminal failure with a human-readable reason.
func (t *Tracker) MarkFailed(ctx context.Context, jobID, reason string) (*models.RecognitionJob, error) {
	return t.transitionJob(ctx, jobID, models.StatusFailed, func(job *models.RecognitionJob) {
		job.FailedReason = reason
	})
}

func (t *Tracker) transitionJob(ctx context.Context, jobID, to string, apply func(*models.RecognitionJob)) (*models.RecognitionJob, error) {
	job, err := t.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job.Status == to {
		slog.Debug("Job already in requested status, skipping write.", "jobId", jobID, "status", to)
		return job, nil
	}
	if err := checkTransition(StageRecognition, job.Status, to); err != nil {
		return nil, err
	}

	apply(job)
	job.Status = to
	job.UpdatedAt = t.now().UTC()
	if err := t.store.PutJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to update job %s to %s: %w", jobID, to, err)
	}
	return job, nil
}

// Pending returns IN_PROGRESS jobs, oldest first. A non-positive limit returns all of them.
func (t *Tracker) Pending(ctx context.Context, limit int) ([]*models.RecognitionJob, error) {
	return t.store.PendingJobs(ctx, limit)
}

// Initiate records the start of extraction for rec. When rec references a
// recognition job, that job must already be PROCESSED.
func (t *Tracker) Initiate(ctx context.Context, rec *models.NarrativeRecord) error {
	if rec.DocumentID == "" {
		return errors.New("document ID is required")
	}
	if rec.OCRJobID != "" {
		job, err := t.store.GetJob(ctx, rec.OCRJobID)
		if err != nil {
			return fmt.Errorf("failed to load recognition job %s: %w", rec.OCRJobID, err)
		}
		if job.Status != models.StatusProcessed {
			return fmt.Errorf("%w: job %s is %s", ErrStageOrder, job.JobID, job.Status)
		}
	}

	from := ""
	current, err := t.store.GetNarrative(ctx, rec.DocumentID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return fmt.Errorf("failed to load narrative %s: %w", rec.DocumentID, err)
	default:
		from = current.Status
	}
	if err := checkTransition(StageExtraction, from, models.StatusInitiated); err != nil {
		return err
	}

	now := t.now().UTC()
	rec.Status = models.StatusInitiated
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := t.store.PutNarrative(ctx, rec); err != nil {
		return fmt.Errorf("failed to record narrative %s: %w", rec.DocumentID, err)
	}
	return nil
}

// Advance moves rec to status and upserts the whole record, including any
// results or failure reason the caller set on it.
func (t *Tracker) Advance(ctx context.Context, rec *models.NarrativeRecord, status string) error {
	current, err := t.store.GetNarrative(ctx, rec.DocumentID)
	if err != nil {
		return fmt.Errorf("failed to load narrative %s: %w", rec.DocumentID, err)
	}
	if current.Status == status {
		rec.Status = status
		return nil
	}
	if err := checkTransition(StageExtraction, current.Status, status); err != nil {
		return err
	}

	rec.Status = status
	rec.UpdatedAt = t.now().UTC()
	if err := t.store.PutNarrative(ctx, rec); err != nil {
		return fmt.Errorf("failed to update narrative %s to %s: %w", rec.DocumentID, status, err)
	}
	return nil
}

// OpenNarrative returns the latest narrative of a recognition job that has not
// failed, or ErrNotFound. A job holds at most one such narrative.
func (t *Tracker) OpenNarrative(ctx context.Context, ocrJobID string) (*models.NarrativeRecord, error) {
	recs, err := t.store.JobNarratives(ctx, ocrJobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list narratives of job %s: %w", ocrJobID, err)
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if recs[i].Status != models.StatusFailed {
			return recs[i], nil
		}
	}
	return nil, fmt.Errorf("open narrative of job %s: %w", ocrJobID, ErrNotFound)
}

// Narratives lists extraction records, optionally filtered by status.
func (t *Tracker) Narratives(ctx context.Context, status string) ([]*models.NarrativeRecord, error) {
	return t.store.ListNarratives(ctx, status)
}
