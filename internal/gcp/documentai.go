package gcp

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	documentai "cloud.google.com/go/documentai/apiv1"
	"cloud.google.com/go/documentai/apiv1/documentaipb"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/Lllllllleong/casefileflow/internal/extraction"
	"github.com/Lllllllleong/casefileflow/internal/models"
	"github.com/Lllllllleong/casefileflow/internal/rebuild"
)

// NewDocumentAIClient creates a Document AI client for a processor location ("us", "eu", ...).
func NewDocumentAIClient(ctx context.Context, location string) (*documentai.DocumentProcessorClient, error) {
	var opts []option.ClientOption
	if location != "" && location != "us" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-documentai.googleapis.com:443", location)))
	}
	client, err := documentai.NewDocumentProcessorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Document AI client for location %s: %w", location, err)
	}
	return client, nil
}

type DocumentAIConfig struct {
	ProjectID   string
	Location    string
	ProcessorID string
	// OutputURI is the gs:// prefix batch results are written under.
	OutputURI string
}

// DocumentAIProcessor runs batch jobs on one Document AI processor. A job ID is
// the final segment of the long-running operation name.
type DocumentAIProcessor struct {
	client  *documentai.DocumentProcessorClient
	objects *ObjectStore
	config  DocumentAIConfig
}

func NewDocumentAIProcessor(client *documentai.DocumentProcessorClient, objects *ObjectStore, config DocumentAIConfig) *DocumentAIProcessor {
	if !strings.HasSuffix(config.OutputURI, "/") {
		config.OutputURI += "/"
	}
	return &DocumentAIProcessor{client: client, objects: objects, config: config}
}

func (p *DocumentAIProcessor) processorName() string {
	return fmt.Sprintf("projects/%s/locations/%s/processors/%s", p.config.ProjectID, p.config.Location, p.config.ProcessorID)
}

func (p *DocumentAIProcessor) operationName(jobID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/operations/%s", p.config.ProjectID, p.config.Location, jobID)
}

// Submit starts recognition of gs://bucket/key with results under the configured output prefix.
func (p *DocumentAIProcessor) Submit(ctx context.Context, bucket, key string) (string, error) {
	return p.batch(ctx, GCSURI(bucket, key), rebuild.ContentType(rebuild.Ext(key)), p.config.OutputURI)
}

// Extract starts structured extraction of inputURI with results under outputURI.
func (p *DocumentAIProcessor) Extract(ctx context.Context, inputURI, outputURI string) (string, error) {
	return p.batch(ctx, inputURI, rebuild.ContentType(rebuild.Ext(inputURI)), outputURI)
}

func (p *DocumentAIProcessor) batch(ctx context.Context, inputURI, mimeType, outputURI string) (string, error) {
	op, err := p.client.BatchProcessDocuments(ctx, &documentaipb.BatchProcessRequest{
		Name: p.processorName(),
		InputDocuments: &documentaipb.BatchDocumentsInputConfig{
			Source: &documentaipb.BatchDocumentsInputConfig_GcsDocuments{
				GcsDocuments: &documentaipb.GcsDocuments{
					Documents: []*documentaipb.GcsDocument{{GcsUri: inputURI, MimeType: mimeType}},
				},
			},
		},
		DocumentOutputConfig: &documentaipb.DocumentOutputConfig{
			Destination: &documentaipb.DocumentOutputConfig_GcsOutputConfig_{
				GcsOutputConfig: &documentaipb.DocumentOutputConfig_GcsOutputConfig{GcsUri: outputURI},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to submit %s to processor %s: %w", inputURI, p.config.ProcessorID, err)
	}
	return jobIDFromOperation(op.Name()), nil
}

func jobIDFromOperation(name string) string {
	return path.Base(name)
}

// State polls the job once without waiting.
func (p *DocumentAIProcessor) State(ctx context.Context, jobID string) (models.JobState, error) {
	op := p.client.BatchProcessDocumentsOperation(p.operationName(jobID))
	_, pollErr := op.Poll(ctx)
	if pollErr != nil && !op.Done() {
		return models.JobState{}, fmt.Errorf("failed to poll job %s: %w", jobID, pollErr)
	}

	meta, _ := op.Metadata()
	if !op.Done() {
		if meta.GetState() == documentaipb.BatchProcessMetadata_WAITING {
			return models.JobState{Status: models.RecognitionQueued}, nil
		}
		return models.JobState{Status: models.RecognitionRunning}, nil
	}
	if pollErr != nil {
		return models.JobState{Status: models.RecognitionFailed, Message: pollErr.Error()}, nil
	}
	return stateFromMetadata(meta), nil
}

func stateFromMetadata(meta *documentaipb.BatchProcessMetadata) models.JobState {
	if meta.GetState() == documentaipb.BatchProcessMetadata_FAILED || meta.GetState() == documentaipb.BatchProcessMetadata_CANCELLED {
		return models.JobState{Status: models.RecognitionFailed, Message: meta.GetStateMessage()}
	}
	state := models.JobState{Status: models.RecognitionSucceeded}
	for _, st := range meta.GetIndividualProcessStatuses() {
		if st.GetStatus().GetCode() != 0 {
			return models.JobState{Status: models.RecognitionFailed, Message: st.GetStatus().GetMessage()}
		}
		if state.OutputURI == "" {
			state.OutputURI = st.GetOutputGcsDestination()
		}
	}
	return state
}

// Results returns the text blocks of one output shard. The continuation token is
// the index of the next shard.
func (p *DocumentAIProcessor) Results(ctx context.Context, jobID, token string) (models.ResultPage, error) {
	bucket, prefix, err := ParseGCSURI(p.config.OutputURI)
	if err != nil {
		return models.ResultPage{}, err
	}
	shards, err := p.shards(ctx, bucket, prefix+jobID+"/")
	if err != nil {
		return models.ResultPage{}, err
	}

	i := 0
	if token != "" {
		if i, err = strconv.Atoi(token); err != nil || i < 0 || i >= len(shards) {
			return models.ResultPage{}, fmt.Errorf("invalid continuation token %q for job %s", token, jobID)
		}
	}
	doc, err := p.readDocument(ctx, bucket, shards[i])
	if err != nil {
		return models.ResultPage{}, err
	}

	page := models.ResultPage{Blocks: lineBlocks(doc)}
	if i+1 < len(shards) {
		page.NextToken = strconv.Itoa(i + 1)
	}
	return page, nil
}

// Extracted reads the first output shard under outputURI and resolves it into
// an extraction result.
func (p *DocumentAIProcessor) Extracted(ctx context.Context, outputURI string) (extraction.Result, error) {
	bucket, prefix, err := ParseGCSURI(outputURI)
	if err != nil {
		return extraction.Result{}, err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	shards, err := p.shards(ctx, bucket, prefix)
	if err != nil {
		return extraction.Result{}, err
	}
	doc, err := p.readDocument(ctx, bucket, shards[0])
	if err != nil {
		return extraction.Result{}, err
	}
	return resultFromDocument(doc, GCSURI(bucket, shards[0])), nil
}

func (p *DocumentAIProcessor) shards(ctx context.Context, bucket, prefix string) ([]string, error) {
	names, err := p.objects.List(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}
	var shards []string
	for _, name := range names {
		if strings.HasSuffix(name, ".json") {
			shards = append(shards, name)
		}
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("no output shards under %s: %w", GCSURI(bucket, prefix), ErrObjectNotFound)
	}
	sortShards(shards)
	return shards, nil
}

// sortShards orders output files by directory and then numeric shard suffix,
// so name-10.json follows name-9.json.
func sortShards(shards []string) {
	sort.SliceStable(shards, func(i, j int) bool {
		di, dj := path.Dir(shards[i]), path.Dir(shards[j])
		if di != dj {
			return di < dj
		}
		return shardIndex(shards[i]) < shardIndex(shards[j])
	})
}

func shardIndex(name string) int {
	base := strings.TrimSuffix(path.Base(name), ".json")
	i := strings.LastIndex(base, "-")
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(base[i+1:])
	if err != nil {
		return 0
	}
	return n
}

func (p *DocumentAIProcessor) readDocument(ctx context.Context, bucket, key string) (*documentaipb.Document, error) {
	data, err := p.objects.Read(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	var doc documentaipb.Document
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", GCSURI(bucket, key), err)
	}
	return &doc, nil
}

// lineBlocks converts the page lines of doc into LINE blocks with 0-100 confidence.
func lineBlocks(doc *documentaipb.Document) []models.TextBlock {
	text := []rune(doc.GetText())
	var blocks []models.TextBlock
	for i, page := range doc.GetPages() {
		number := int(page.GetPageNumber())
		if number == 0 {
			number = i + 1
		}
		for _, line := range page.GetLines() {
			layout := line.GetLayout()
			blocks = append(blocks, models.TextBlock{
				Page:       number,
				Kind:       models.BlockKindLine,
				Text:       strings.TrimRight(anchorText(text, layout.GetTextAnchor()), "\n"),
				Confidence: float64(layout.GetConfidence()) * 100,
			})
		}
	}
	return blocks
}

func anchorText(text []rune, anchor *documentaipb.Document_TextAnchor) string {
	var b strings.Builder
	for _, seg := range anchor.GetTextSegments() {
		start, end := int(seg.GetStartIndex()), int(seg.GetEndIndex())
		if start < 0 || end > len(text) || start > end {
			continue
		}
		b.WriteString(string(text[start:end]))
	}
	return b.String()
}

// resultFromDocument resolves extractor output: labelled entities make a
// field-structured result, otherwise the document text is the narrative.
func resultFromDocument(doc *documentaipb.Document, sourceURI string) extraction.Result {
	entities := doc.GetEntities()
	if len(entities) == 0 {
		return extraction.NewNarrative(doc.GetText(), sourceURI)
	}

	fields := make(map[string]any, len(entities))
	for _, e := range entities {
		value := e.GetMentionText()
		if normalized := e.GetNormalizedValue().GetText(); normalized != "" {
			value = normalized
		}
		switch existing := fields[e.GetType()].(type) {
		case nil:
			fields[e.GetType()] = value
		case string:
			fields[e.GetType()] = []any{existing, value}
		case []any:
			fields[e.GetType()] = append(existing, value)
		}
	}
	return extraction.NewFields(fields, sourceURI)
}
