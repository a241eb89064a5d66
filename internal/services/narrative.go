package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"github.com/Lllllllleong/casefileflow/internal/extraction"
	"github.com/Lllllllleong/casefileflow/internal/gcp"
	"github.com/Lllllllleong/casefileflow/internal/models"
	"github.com/Lllllllleong/casefileflow/internal/rebuild"
	"github.com/Lllllllleong/casefileflow/internal/tracker"
)

// ErrPollTimeout is returned when the extractor has not finished within the poll budget.
var ErrPollTimeout = errors.New("extraction did not finish in time")

// CaseIDPlaceholder is stored when no case ID can be read from the object path.
const CaseIDPlaceholder = "0000000"

// CaseIDFromKey reads the case ID from <prefix>/<folder>/<case id>/<file>. The
// third segment must be numeric; otherwise the placeholder is returned with ok false.
func CaseIDFromKey(key string) (id string, ok bool) {
	parts := strings.Split(strings.Trim(key, "/"), "/")
	if len(parts) >= 3 && isDigits(parts[2]) {
		return parts[2], true
	}
	return CaseIDPlaceholder, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DocumentID names a narrative record after the file and a random suffix.
func DocumentID(key, unique string) string {
	base := path.Base(key)
	base = strings.TrimSuffix(base, path.Ext(base))
	if len(unique) > 8 {
		unique = unique[:8]
	}
	return base + "_" + unique
}

type NarrativeConfig struct {
	ProjectID            string
	VertexAIRegion       string
	ModelName            string
	DocAILocation        string
	ExtractorProcessorID string
	ResultsBucket        string
	Paths                rebuild.Paths
	JobsCollection       string
	DocumentsCollection  string
	MaxPolls             int
	PollInterval         time.Duration
}

func loadNarrativeConfig() (*NarrativeConfig, error) {
	config := &NarrativeConfig{
		ProjectID:            gcp.GetEnv("PROJECT_ID", ""),
		VertexAIRegion:       gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		ModelName:            gcp.GetEnv("NARRATIVE_MODEL", "gemini-1.5-flash"),
		DocAILocation:        gcp.GetEnv("DOCAI_LOCATION", "us"),
		ExtractorProcessorID: gcp.GetEnv("EXTRACTOR_PROCESSOR_ID", ""),
		ResultsBucket:        gcp.GetEnv("RESULTS_BUCKET", ""),
		Paths: rebuild.Paths{
			TargetPrefix: gcp.GetEnv("TARGET_PREFIX", "filtered/"),
			TextPrefix:   gcp.GetEnv("TARGET_ALL_WORDS_PREFIX", "filtered_all_words/"),
		},
		JobsCollection:      gcp.GetEnv("FIRESTORE_JOBS_COLLECTION", "ocr_jobs"),
		DocumentsCollection: gcp.GetEnv("FIRESTORE_DOCUMENTS_COLLECTION", "documents"),
		MaxPolls:            60,
		PollInterval:        10 * time.Second,
	}
	if config.ProjectID == "" {
		return nil, fmt.Errorf("PROJECT_ID environment variable must be set")
	}
	if config.ExtractorProcessorID == "" {
		return nil, fmt.Errorf("EXTRACTOR_PROCESSOR_ID environment variable must be set")
	}
	if config.ResultsBucket == "" {
		return nil, fmt.Errorf("RESULTS_BUCKET environment variable must be set")
	}
	if v := gcp.GetEnv("EXTRACTION_MAX_POLLS", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("EXTRACTION_MAX_POLLS must be a positive integer")
		}
		config.MaxPolls = n
	}
	if v := gcp.GetEnv("EXTRACTION_POLL_INTERVAL", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid EXTRACTION_POLL_INTERVAL: %w", err)
		}
		config.PollInterval = d
	}
	return config, nil
}

// NarrativeFunction runs structured extraction and the narrative model over one
// filtered artifact and stores the merged result.
type NarrativeFunction struct {
	objects   ObjectStore
	extractor Extractor
	model     NarrativeModel
	tracker   *tracker.Tracker
	config    NarrativeConfig
	sleep     func(context.Context, time.Duration) error
	newID     func() string
}

func NewNarrativeExtractor(ctx context.Context) (*NarrativeFunction, error) {
	config, err := loadNarrativeConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	firestoreClient, err := gcp.NewFirestoreClient(ctx, config.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	docaiClient, err := gcp.NewDocumentAIClient(ctx, config.DocAILocation)
	if err != nil {
		return nil, err
	}
	vertexClient, err := gcp.NewVertexClient(ctx, config.ProjectID, config.VertexAIRegion, config.ModelName)
	if err != nil {
		return nil, fmt.Errorf("failed to create vertex client: %w", err)
	}

	objects := gcp.NewObjectStore(storageClient)
	extractor := gcp.NewDocumentAIProcessor(docaiClient, objects, gcp.DocumentAIConfig{
		ProjectID:   config.ProjectID,
		Location:    config.DocAILocation,
		ProcessorID: config.ExtractorProcessorID,
		OutputURI:   gcp.GCSURI(config.ResultsBucket, "processed/"),
	})
	tr := tracker.New(tracker.NewFirestoreStore(firestoreClient, config.JobsCollection, config.DocumentsCollection))
	slog.Info("Narrative extractor initialized.", "model", config.ModelName, "resultsBucket", config.ResultsBucket)
	return newNarrative(*config, objects, extractor, vertexClient, tr), nil
}

func newNarrative(config NarrativeConfig, objects ObjectStore, extractor Extractor, model NarrativeModel, tr *tracker.Tracker) *NarrativeFunction {
	return &NarrativeFunction{
		objects:   objects,
		extractor: extractor,
		model:     model,
		tracker:   tr,
		config:    config,
		sleep:     sleepContext,
		newID:     uuid.NewString,
	}
}

// Process extracts the narrative for the filtered artifact named in req. Objects
// outside the filtered prefix, or that are not PDFs, are ignored.
func (f *NarrativeFunction) Process(ctx context.Context, req *models.NarrativeRequest) (*models.NarrativeResponse, error) {
	logCtx := slog.With("gcsBucket", req.Bucket, "gcsObject", req.Name, "executionId", req.ExecutionID)
	if !strings.HasPrefix(req.Name, f.config.Paths.TargetPrefix) || rebuild.Ext(req.Name) != "pdf" {
		logCtx.Info("Object is not a filtered PDF. Ignoring.")
		return &models.NarrativeResponse{Status: "ignored"}, nil
	}

	ocrJobID := req.OCRJobID
	if ocrJobID == "" {
		ocrJobID = rebuild.JobIDFromFiltered(req.Name)
	}
	if ocrJobID != "" {
		// Redelivered requests reuse the job's open narrative instead of extracting again.
		existing, err := f.tracker.OpenNarrative(ctx, ocrJobID)
		switch {
		case errors.Is(err, tracker.ErrNotFound):
		case err != nil:
			logCtx.Error("Failed to look up existing narrative.", "ocrJobId", ocrJobID, "error", err)
			return nil, err
		default:
			logCtx.Info("Narrative already exists for job. Skipping.", "ocrJobId", ocrJobID, "documentId", existing.DocumentID, "status", existing.Status)
			return &models.NarrativeResponse{Status: existing.Status, DocumentID: existing.DocumentID}, nil
		}
	}

	documentID := DocumentID(req.Name, f.newID())
	caseID, ok := CaseIDFromKey(req.Name)
	if !ok {
		logCtx.Warn("No numeric case ID in object path. Using placeholder.", "caseId", caseID)
	}
	logCtx = logCtx.With("documentId", documentID, "caseId", caseID, "ocrJobId", ocrJobID)

	rec := &models.NarrativeRecord{
		DocumentID:  documentID,
		CaseID:      caseID,
		OCRJobID:    ocrJobID,
		OriginalKey: req.Name,
		InputURI:    gcp.GCSURI(req.Bucket, req.Name),
		OutputURI:   gcp.GCSURI(f.config.ResultsBucket, "processed/"+documentID),
	}
	if err := f.tracker.Initiate(ctx, rec); err != nil {
		logCtx.Error("Failed to initiate narrative extraction.", "error", err)
		return nil, err
	}

	jobID, err := f.extractor.Extract(ctx, rec.InputURI, rec.OutputURI)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, rec, "failed to submit document for extraction", err)
	}
	rec.ExtractionJobID = jobID
	logCtx = logCtx.With("extractionJobId", jobID)
	if err := f.tracker.Advance(ctx, rec, models.StatusProcessing); err != nil {
		return nil, f.handleError(ctx, logCtx, rec, "failed to record PROCESSING status", err)
	}

	state, err := f.waitForExtraction(ctx, logCtx, jobID)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, rec, "failed waiting for extraction", err)
	}
	if state.Status != models.RecognitionSucceeded {
		return nil, f.handleError(ctx, logCtx, rec, "extraction finished with error", fmt.Errorf("status %s: %s", state.Status, state.Message))
	}

	outputURI := state.OutputURI
	if outputURI == "" {
		outputURI = rec.OutputURI
	}
	result, err := f.extractor.Extracted(ctx, outputURI)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, rec, "failed to read extraction result", err)
	}
	rec.FieldStructured = result.FieldStructured()
	rec.Results = extraction.Partial(result)
	logCtx.Info("Extraction result received.", "kind", result.Kind.String(), "resultUri", result.SourceURI)

	destURI, err := f.extractNarrative(ctx, logCtx, req, rec, result)
	if err != nil {
		return nil, f.handleError(ctx, logCtx, rec, "failed to extract narrative", err)
	}

	if err := f.tracker.Advance(ctx, rec, models.StatusSuccess); err != nil {
		return nil, f.handleError(ctx, logCtx, rec, "failed to record SUCCESS status", err)
	}
	logCtx.Info("Narrative extraction complete.", "destUri", destURI)
	return &models.NarrativeResponse{
		Status:     models.StatusSuccess,
		DocumentID: documentID,
		DestURI:    destURI,
	}, nil
}

// extractNarrative runs the model over the matched text, merges its narrative
// into rec.Results and writes the merged JSON beside the extraction result.
func (f *NarrativeFunction) extractNarrative(ctx context.Context, logCtx *slog.Logger, req *models.NarrativeRequest, rec *models.NarrativeRecord, result extraction.Result) (string, error) {
	textKey := f.config.Paths.TextKeyForFiltered(req.Name)
	text, err := f.objects.Read(ctx, req.Bucket, textKey)
	if err != nil {
		return "", fmt.Errorf("failed to read matched text %s: %w", textKey, err)
	}

	raw, err := f.model.Generate(ctx, extraction.Prompt(strings.ToValidUTF8(string(text), "�")))
	if err != nil {
		return "", err
	}
	payload := extraction.Coerce(raw)
	rec.Results = extraction.Merge(result, payload)

	resultBucket, resultKey, err := gcp.ParseGCSURI(result.SourceURI)
	if err != nil {
		return "", err
	}
	destKey := extraction.ArtifactKey(resultKey)
	body, err := marshalJSON(rec.Results)
	if err != nil {
		return "", err
	}
	if err := f.objects.Write(ctx, resultBucket, destKey, body, "application/json; charset=utf-8"); err != nil {
		return "", err
	}
	logCtx.Info("Narrative written.", "destKey", destKey)
	return gcp.GCSURI(resultBucket, destKey), nil
}

// waitForExtraction polls the extractor at a fixed interval until it finishes
// or the poll budget runs out.
func (f *NarrativeFunction) waitForExtraction(ctx context.Context, logCtx *slog.Logger, jobID string) (models.JobState, error) {
	for i := 0; i < f.config.MaxPolls; i++ {
		state, err := f.extractor.State(ctx, jobID)
		if err != nil {
			return models.JobState{}, err
		}
		logCtx.Info("Extraction status.", "status", state.Status, "poll", i+1)
		if state.Finished() {
			return state, nil
		}
		if err := f.sleep(ctx, f.config.PollInterval); err != nil {
			return models.JobState{}, err
		}
	}
	return models.JobState{}, fmt.Errorf("%w after %s", ErrPollTimeout, time.Duration(f.config.MaxPolls)*f.config.PollInterval)
}

// handleError marks the record FAILED, keeping whatever results it already
// holds, and returns the error to the caller.
func (f *NarrativeFunction) handleError(ctx context.Context, logCtx *slog.Logger, rec *models.NarrativeRecord, message string, originalErr error) error {
	fullError := fmt.Errorf("%s: %w", message, originalErr)
	logCtx.Error(message, "error", originalErr)
	rec.FailedReason = fullError.Error()
	if err := f.tracker.Advance(ctx, rec, models.StatusFailed); err != nil {
		logCtx.Error("CRITICAL: Failed to update narrative status to FAILED after a processing error.", "updateError", err)
	}
	return fullError
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to marshal narrative result: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
