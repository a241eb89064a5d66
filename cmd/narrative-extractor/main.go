package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/casefileflow/internal/models"
	"github.com/Lllllllleong/casefileflow/internal/services"
)

var (
	narrativeInstance *services.NarrativeFunction
	once              sync.Once
	initErr           error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Called by the extraction workflow once per filtered artifact.
	functions.HTTP("HandleExtractNarrative", handleExtractNarrative)
}

// main is required by the Go Functions Framework.
func main() {}

func handleExtractNarrative(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		narrativeInstance, initErr = services.NewNarrativeExtractor(context.Background())
	})
	if initErr != nil {
		slog.Error("CRITICAL: Narrative extractor initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.NarrativeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Error("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if req.Bucket == "" || req.Name == "" {
		http.Error(w, "Bad Request: bucket and name are required", http.StatusBadRequest)
		return
	}

	res, err := narrativeInstance.Process(r.Context(), &req)
	if err != nil {
		// Already logged and recorded as FAILED inside Process.
		http.Error(w, "Internal Server Error: processing failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err)
	}
}
