package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/casefileflow/internal/models"
	"github.com/Lllllllleong/casefileflow/internal/services"
)

var (
	completionInstance *services.CompletionFunction
	once               sync.Once
	initErr            error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("HandleOCRCompletion", handleOCRCompletion)
}

// main is required by the Go Functions Framework.
func main() {}

// handleOCRCompletion receives a Pub/Sub push carrying a batch of completion notifications.
// Delivery is at least once; redelivered notifications for finished jobs are skipped.
func handleOCRCompletion(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		completionInstance, initErr = services.NewCompletion(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var msg models.PubSubMessage
	if err := json.Unmarshal(e.Data(), &msg); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	var batch models.NotificationBatch
	if err := json.Unmarshal(msg.Message.Data, &batch); err != nil {
		// A malformed message will never decode; acknowledge it instead of retrying forever.
		slog.Error("Failed to decode notification batch. Dropping message.", "error", err, "messageId", msg.Message.MessageID)
		return nil
	}
	slog.Info("Received completion notifications.", "messageId", msg.Message.MessageID, "count", len(batch.Records))

	return completionInstance.Process(ctx, batch.Records)
}
