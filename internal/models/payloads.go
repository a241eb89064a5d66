package models

// These structs define the JSON payloads exchanged between the functions,
// the workflow, and the notification channel.

// Notification reports that a recognition job finished. It is delivered at least once.
type Notification struct {
	JobID   string `json:"jobId"`
	Status  string `json:"status"`
	Bucket  string `json:"bucket"`
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
}

// NotificationBatch is the body of one completion message.
type NotificationBatch struct {
	Records []Notification `json:"records"`
}

// PubSubMessage is the CloudEvent payload of a Pub/Sub push.
type PubSubMessage struct {
	Message struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
		MessageID  string            `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// NarrativeRequest is the input for the narrative-extractor function.
type NarrativeRequest struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	OCRJobID    string `json:"ocrJobId,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
}

// NarrativeResponse is the output of the narrative-extractor function.
type NarrativeResponse struct {
	Status     string `json:"status"`
	DocumentID string `json:"documentId,omitempty"`
	DestURI    string `json:"destUri,omitempty"`
}

// SweepResponse is the output of the ocr-sweeper function.
type SweepResponse struct {
	Status    string `json:"status"`
	Pending   int    `json:"pending"`
	Completed int    `json:"completed"`
}

// DispatchSummary counts what one enumeration pass did.
type DispatchSummary struct {
	Submitted int `json:"submitted"`
	Relocated int `json:"relocated"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// DispatchRequest names the storage location one dispatch pass enumerates.
type DispatchRequest struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}
