package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/casefileflow/internal/gcp"
	"github.com/Lllllllleong/casefileflow/internal/models"
	"github.com/Lllllllleong/casefileflow/internal/rebuild"
	"github.com/Lllllllleong/casefileflow/internal/relevance"
	"github.com/Lllllllleong/casefileflow/internal/tracker"
)

type CompletionConfig struct {
	PipelineConfig
	// WorkflowID is the extraction workflow started for each filtered artifact. Empty disables the hand-off.
	WorkflowID       string
	WorkflowLocation string
}

// CompletionFunction handles finished recognition jobs: it filters pages,
// writes the filtered artifacts, relocates the source and closes the job.
type CompletionFunction struct {
	objects    ObjectStore
	recognizer Recognizer
	tracker    *tracker.Tracker
	trigger    Trigger
	scorer     relevance.Scorer
	config     CompletionConfig
}

func NewCompletion(ctx context.Context) (*CompletionFunction, error) {
	pipeline, err := loadPipelineConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	config := CompletionConfig{
		PipelineConfig:   pipeline,
		WorkflowID:       gcp.GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation: gcp.GetEnv("WORKFLOW_LOCATION", "us-central1"),
	}

	clients, err := newPipelineClients(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var trigger Trigger
	if config.WorkflowID != "" {
		wt, err := gcp.NewWorkflowTrigger(ctx, config.ProjectID, config.WorkflowLocation, config.WorkflowID)
		if err != nil {
			return nil, err
		}
		trigger = wt
	}

	f := newCompletion(config, clients.objects, clients.recognizer, clients.tracker, trigger)
	slog.Info("OCR completion logic initialized.", "workflowId", config.WorkflowID)
	return f, nil
}

func newCompletion(config CompletionConfig, objects ObjectStore, recognizer Recognizer, tr *tracker.Tracker, trigger Trigger) *CompletionFunction {
	return &CompletionFunction{
		objects:    objects,
		recognizer: recognizer,
		tracker:    tr,
		trigger:    trigger,
		scorer:     relevance.DefaultScorer(),
		config:     config,
	}
}

// Process handles a batch of completion notifications. Each notification is
// handled on its own; a job that fails is recorded as FAILED and does not fail
// the batch. The returned error covers notifications whose outcome could not be
// recorded, so redelivery can retry them.
func (f *CompletionFunction) Process(ctx context.Context, notifications []models.Notification) error {
	var errs []error
	for _, n := range notifications {
		if err := f.handle(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", n.JobID, err))
		}
	}
	return errors.Join(errs...)
}

func (f *CompletionFunction) handle(ctx context.Context, n models.Notification) error {
	logCtx := slog.With("jobId", n.JobID, "gcsObject", n.Name, "notifiedStatus", n.Status)

	job, err := f.tracker.Job(ctx, n.JobID)
	if errors.Is(err, tracker.ErrNotFound) {
		logCtx.Warn("Notification for an unknown job. Skipping.")
		return nil
	}
	if err != nil {
		logCtx.Error("Failed to load job record.", "error", err)
		return err
	}
	// Redelivered notifications must not repeat the source move or delete.
	if tracker.IsTerminal(tracker.StageRecognition, job.Status) {
		logCtx.Info("Job already finished. Skipping duplicate notification.", "status", job.Status)
		return nil
	}

	switch n.Status {
	case models.RecognitionSucceeded:
	case models.RecognitionFailed:
		reason := "recognition failed"
		if n.Message != "" {
			reason += ": " + n.Message
		}
		logCtx.Warn("Recognition job failed.", "reason", reason)
		if _, err := f.tracker.MarkFailed(ctx, job.JobID, reason); err != nil {
			logCtx.Error("Failed to record job failure.", "error", err)
			return err
		}
		return nil
	default:
		logCtx.Warn("Notification does not carry a final status. Skipping.")
		return nil
	}

	if job.SourceBucket == "" {
		job.SourceBucket = n.Bucket
	}
	if job.SourceKey == "" {
		job.SourceKey = n.Name
	}

	confidence, artifacts, err := f.complete(ctx, logCtx, job)
	if err != nil {
		return f.recordFailure(ctx, logCtx, job.JobID, "failed to complete recognition job", err)
	}

	processed, err := f.tracker.MarkProcessed(ctx, job.JobID, confidence, artifacts)
	if err != nil {
		logCtx.Error("Failed to record processed job.", "error", err)
		return err
	}
	logCtx.Info("Job processed.", "relevantPages", len(confidence))

	if artifacts != nil {
		f.startExtraction(ctx, logCtx, processed)
	}
	return nil
}

// complete scores the recognised text, writes the artifacts when pages match and
// relocates the source. The source is touched only after the artifacts are durable.
func (f *CompletionFunction) complete(ctx context.Context, logCtx *slog.Logger, job *models.RecognitionJob) (map[string]string, *models.Artifacts, error) {
	blocks, err := f.collectBlocks(ctx, job.JobID)
	if err != nil {
		return nil, nil, err
	}
	result := f.scorer.Score(blocks)
	logCtx.Info("Scored recognised pages.", "blocks", len(blocks), "relevantPages", result.PageNumbers())

	var artifacts *models.Artifacts
	if len(result.Matches) > 0 {
		if artifacts, err = f.writeArtifacts(ctx, job, result); err != nil {
			return nil, nil, err
		}
		logCtx.Info("Filtered artifacts written.", "filteredKey", artifacts.FilteredKey, "textKey", artifacts.TextKey)
	} else {
		logCtx.Info("No relevant pages found. Nothing to write.")
	}

	if job.FromArchive {
		if err := f.objects.Delete(ctx, job.SourceBucket, job.SourceKey); err != nil {
			return nil, nil, fmt.Errorf("failed to delete extracted archive member: %w", err)
		}
		logCtx.Info("Deleted extracted archive member.")
	} else {
		dst := f.config.Paths.ProcessedKey(job.SourceKey)
		if err := f.objects.Move(ctx, job.SourceBucket, job.SourceKey, dst); err != nil {
			return nil, nil, fmt.Errorf("failed to relocate source: %w", err)
		}
		logCtx.Info("Moved source to processed.", "destination", dst)
	}
	return result.ConfidenceByPage(), artifacts, nil
}

func (f *CompletionFunction) collectBlocks(ctx context.Context, jobID string) ([]models.TextBlock, error) {
	var blocks []models.TextBlock
	token := ""
	for {
		page, err := f.recognizer.Results(ctx, jobID, token)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch recognition results: %w", err)
		}
		blocks = append(blocks, page.Blocks...)
		if page.NextToken == "" {
			return blocks, nil
		}
		token = page.NextToken
	}
}

func (f *CompletionFunction) writeArtifacts(ctx context.Context, job *models.RecognitionJob, result relevance.Result) (*models.Artifacts, error) {
	artifacts := &models.Artifacts{
		FilteredKey: f.config.Paths.FilteredKey(job.SourceKey, job.JobID),
		TextKey:     f.config.Paths.TextKey(job.SourceKey, job.JobID),
	}

	src, err := f.objects.Read(ctx, job.SourceBucket, job.SourceKey)
	if errors.Is(err, gcp.ErrObjectNotFound) {
		// A retried job may have moved or deleted its source before its record was closed.
		if job.FromArchive {
			if f.artifactsExist(ctx, job.SourceBucket, artifacts) {
				return artifacts, nil
			}
		} else {
			src, err = f.objects.Read(ctx, job.SourceBucket, f.config.Paths.ProcessedKey(job.SourceKey))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read source document: %w", err)
	}
	ext := rebuild.Ext(job.SourceKey)
	filtered, err := rebuild.Rebuild(src, ext, result.PageNumbers())
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild filtered document: %w", err)
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return f.objects.Write(gctx, job.SourceBucket, artifacts.FilteredKey, filtered, rebuild.ContentType(ext))
	})
	eg.Go(func() error {
		return f.objects.Write(gctx, job.SourceBucket, artifacts.TextKey, []byte(result.MatchedText()), "text/plain; charset=utf-8")
	})
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("failed to write filtered artifacts: %w", err)
	}
	return artifacts, nil
}

func (f *CompletionFunction) artifactsExist(ctx context.Context, bucket string, artifacts *models.Artifacts) bool {
	for _, key := range []string{artifacts.FilteredKey, artifacts.TextKey} {
		if _, err := f.objects.Read(ctx, bucket, key); err != nil {
			return false
		}
	}
	return true
}

// startExtraction hands the filtered artifact to the extraction workflow. A
// failed hand-off is logged only; the job stays PROCESSED and can be re-driven.
func (f *CompletionFunction) startExtraction(ctx context.Context, logCtx *slog.Logger, job *models.RecognitionJob) {
	if f.trigger == nil {
		return
	}
	execution, err := f.trigger.Start(ctx, models.NarrativeRequest{
		Bucket:   job.SourceBucket,
		Name:     job.FilteredKey,
		OCRJobID: job.JobID,
	})
	if err != nil {
		logCtx.Error("Failed to start extraction workflow.", "filteredKey", job.FilteredKey, "error", err)
		return
	}
	logCtx.Info("Started extraction workflow.", "execution", execution)
}

// recordFailure marks the job FAILED with the reason. The job's failure is then
// settled, so nil is returned unless the record itself could not be written.
func (f *CompletionFunction) recordFailure(ctx context.Context, logCtx *slog.Logger, jobID, message string, originalErr error) error {
	reason := fmt.Sprintf("%s: %v", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	if _, err := f.tracker.MarkFailed(ctx, jobID, reason); err != nil {
		logCtx.Error("CRITICAL: Failed to update job status to FAILED after a processing error.", "updateError", err)
		return fmt.Errorf("%s; additionally failed to record failure: %w", reason, err)
	}
	return nil
}
