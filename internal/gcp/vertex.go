package gcp

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

const NarrativeSystemPrompt = "You extract the factual narrative from Spanish police reports. You answer with a single JSON object and nothing else."

// VertexClient holds the pre-configured generative model used for narrative extraction.
type VertexClient struct {
	NarrativeModel *genai.GenerativeModel
	baseClient     *genai.Client
}

// NewVertexClient creates a new client for modelName in the given region.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	narrativeModel := baseClient.GenerativeModel(modelName)
	narrativeModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(NarrativeSystemPrompt)},
	}
	narrativeModel.GenerationConfig = genai.GenerationConfig{
		Temperature:     genai.Ptr[float32](0.1),
		MaxOutputTokens: genai.Ptr[int32](4096),
	}
	// Police reports describe violence; default filters would block ordinary case files.
	narrativeModel.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &VertexClient{
		NarrativeModel: narrativeModel,
		baseClient:     baseClient,
	}, nil
}

// Generate sends prompt to the narrative model and returns the concatenated text parts.
func (c *VertexClient) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := c.NarrativeModel.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("failed to generate content from gemini: %w", err)
	}
	return responseText(resp), nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
