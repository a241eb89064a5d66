package services

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/casefileflow/internal/extraction"
	"github.com/Lllllllleong/casefileflow/internal/gcp"
	"github.com/Lllllllleong/casefileflow/internal/models"
	"github.com/Lllllllleong/casefileflow/internal/rebuild"
	"github.com/Lllllllleong/casefileflow/internal/tracker"
)

// ObjectStore is the object storage used by every stage.
type ObjectStore interface {
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	Read(ctx context.Context, bucket, key string) ([]byte, error)
	Write(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Move(ctx context.Context, bucket, src, dst string) error
	Delete(ctx context.Context, bucket, key string) error
}

// Recognizer submits documents for OCR and reads back their results.
type Recognizer interface {
	Submit(ctx context.Context, bucket, key string) (string, error)
	State(ctx context.Context, jobID string) (models.JobState, error)
	Results(ctx context.Context, jobID, token string) (models.ResultPage, error)
}

// Extractor runs structured extraction over a filtered document.
type Extractor interface {
	Extract(ctx context.Context, inputURI, outputURI string) (string, error)
	State(ctx context.Context, jobID string) (models.JobState, error)
	Extracted(ctx context.Context, outputURI string) (extraction.Result, error)
}

// NarrativeModel is the language model that pulls the narrative out of matched text.
type NarrativeModel interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Trigger starts the downstream extraction workflow.
type Trigger interface {
	Start(ctx context.Context, argument any) (string, error)
}

// PipelineConfig is the configuration shared by the dispatch, completion and sweep stages.
type PipelineConfig struct {
	ProjectID           string
	SourceBucket        string
	Paths               rebuild.Paths
	DocAILocation       string
	OCRProcessorID      string
	OCROutputURI        string
	JobsCollection      string
	DocumentsCollection string
}

func loadPipelineConfig() (PipelineConfig, error) {
	cfg := PipelineConfig{
		ProjectID:    gcp.GetEnv("PROJECT_ID", ""),
		SourceBucket: gcp.GetEnv("SOURCE_BUCKET", ""),
		Paths: rebuild.Paths{
			SourcePrefix:    gcp.GetEnv("SOURCE_PREFIX", "source/"),
			TargetPrefix:    gcp.GetEnv("TARGET_PREFIX", "filtered/"),
			TextPrefix:      gcp.GetEnv("TARGET_ALL_WORDS_PREFIX", "filtered_all_words/"),
			ProcessedPrefix: gcp.GetEnv("PROCESSED_PREFIX", "processed/"),
		},
		DocAILocation:       gcp.GetEnv("DOCAI_LOCATION", "us"),
		OCRProcessorID:      gcp.GetEnv("OCR_PROCESSOR_ID", ""),
		OCROutputURI:        gcp.GetEnv("OCR_OUTPUT_URI", ""),
		JobsCollection:      gcp.GetEnv("FIRESTORE_JOBS_COLLECTION", "ocr_jobs"),
		DocumentsCollection: gcp.GetEnv("FIRESTORE_DOCUMENTS_COLLECTION", "documents"),
	}
	if cfg.ProjectID == "" {
		return cfg, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if cfg.SourceBucket == "" {
		return cfg, fmt.Errorf("SOURCE_BUCKET environment variable must be set")
	}
	if cfg.OCRProcessorID == "" || cfg.OCROutputURI == "" {
		return cfg, fmt.Errorf("OCR_PROCESSOR_ID and OCR_OUTPUT_URI environment variables must be set")
	}
	return cfg, nil
}

// pipelineClients are the clients behind the dispatch, completion and sweep stages.
type pipelineClients struct {
	objects    *gcp.ObjectStore
	recognizer *gcp.DocumentAIProcessor
	tracker    *tracker.Tracker
}

func newPipelineClients(ctx context.Context, cfg PipelineConfig) (*pipelineClients, error) {
	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	docaiClient, err := gcp.NewDocumentAIClient(ctx, cfg.DocAILocation)
	if err != nil {
		return nil, err
	}

	objects := gcp.NewObjectStore(storageClient)
	return &pipelineClients{
		objects: objects,
		recognizer: gcp.NewDocumentAIProcessor(docaiClient, objects, gcp.DocumentAIConfig{
			ProjectID:   cfg.ProjectID,
			Location:    cfg.DocAILocation,
			ProcessorID: cfg.OCRProcessorID,
			OutputURI:   cfg.OCROutputURI,
		}),
		tracker: tracker.New(tracker.NewFirestoreStore(firestoreClient, cfg.JobsCollection, cfg.DocumentsCollection)),
	}, nil
}
