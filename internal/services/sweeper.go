package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Lllllllleong/casefileflow/internal/gcp"
	"github.com/Lllllllleong/casefileflow/internal/models"
	"github.com/Lllllllleong/casefileflow/internal/tracker"
)

// SweeperFunction discovers finished recognition jobs by polling the jobs still
// IN_PROGRESS, oldest first, and hands them to the completion handler.
type SweeperFunction struct {
	recognizer Recognizer
	tracker    *tracker.Tracker
	completion *CompletionFunction
	batchSize  int
}

func NewSweeper(ctx context.Context) (*SweeperFunction, error) {
	batchSize, err := strconv.Atoi(gcp.GetEnv("SWEEP_BATCH_SIZE", "50"))
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_BATCH_SIZE: %w", err)
	}
	completion, err := NewCompletion(ctx)
	if err != nil {
		return nil, err
	}
	return newSweeper(completion, batchSize), nil
}

func newSweeper(completion *CompletionFunction, batchSize int) *SweeperFunction {
	return &SweeperFunction{
		recognizer: completion.recognizer,
		tracker:    completion.tracker,
		completion: completion,
		batchSize:  batchSize,
	}
}

// Sweep checks up to batchSize pending jobs once each, without waiting on any of them.
func (f *SweeperFunction) Sweep(ctx context.Context) (*models.SweepResponse, error) {
	pending, err := f.tracker.Pending(ctx, f.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}

	var finished []models.Notification
	for _, job := range pending {
		logCtx := slog.With("jobId", job.JobID, "gcsObject", job.SourceKey)
		state, err := f.recognizer.State(ctx, job.JobID)
		if err != nil {
			logCtx.Warn("Failed to poll recognition job. Will retry on the next sweep.", "error", err)
			continue
		}
		if !state.Finished() {
			logCtx.Debug("Recognition job still running.", "status", state.Status)
			continue
		}
		finished = append(finished, models.Notification{
			JobID:   job.JobID,
			Status:  state.Status,
			Bucket:  job.SourceBucket,
			Name:    job.SourceKey,
			Message: state.Message,
		})
	}

	slog.Info("Sweep found finished jobs.", "pending", len(pending), "finished", len(finished))
	resp := &models.SweepResponse{Status: "success", Pending: len(pending), Completed: len(finished)}
	if err := f.completion.Process(ctx, finished); err != nil {
		resp.Status = "partial"
		return resp, err
	}
	return resp, nil
}
