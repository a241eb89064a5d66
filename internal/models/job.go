package models

import "time"

// OCR-stage statuses of a RecognitionJob.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusProcessed  = "PROCESSED"
	StatusFailed     = "FAILED"
)

// Extraction-stage statuses of a NarrativeRecord. FAILED is shared with the OCR stage.
const (
	StatusInitiated  = "INITIATED"
	StatusProcessing = "PROCESSING"
	StatusSuccess    = "SUCCESS"
)

// RecognitionJob is the Firestore record for one submission of a source document
// to the recognition service. The job ID is the document ID of the record.
type RecognitionJob struct {
	JobID          string            `firestore:"jobId"`
	SourceBucket   string            `firestore:"sourceBucket"`
	SourceKey      string            `firestore:"sourceKey"`
	FileType       string            `firestore:"fileType"`
	Status         string            `firestore:"status"`
	FromArchive    bool              `firestore:"fromArchive"`
	ArchiveKey     string            `firestore:"archiveKey,omitempty"`
	OutputURI      string            `firestore:"outputUri,omitempty"`
	PageConfidence map[string]string `firestore:"pageConfidence,omitempty"`
	FilteredKey    string            `firestore:"filteredKey,omitempty"`
	TextKey        string            `firestore:"textKey,omitempty"`
	FailedReason   string            `firestore:"failedReason,omitempty"`
	Timestamp      time.Time         `firestore:"timestamp"`
	UpdatedAt      time.Time         `firestore:"updatedAt"`
}

// Artifacts names the objects written for a job whose pages matched.
type Artifacts struct {
	FilteredKey string
	TextKey     string
}

// Recognition service states as reported by polling or a completion notification.
const (
	RecognitionQueued    = "QUEUED"
	RecognitionRunning   = "IN_PROGRESS"
	RecognitionSucceeded = "SUCCEEDED"
	RecognitionFailed    = "FAILED"
)

// JobState is a point-in-time view of an external recognition job.
type JobState struct {
	Status    string
	Message   string
	OutputURI string
}

// Finished reports whether the external job reached a final state.
func (s JobState) Finished() bool {
	return s.Status == RecognitionSucceeded || s.Status == RecognitionFailed
}

// TextBlock is one unit of recognised text. Confidence is on a 0-100 scale.
type TextBlock struct {
	Page       int
	Kind       string
	Text       string
	Confidence float64
}

// BlockKindLine is the only block kind considered for relevance scoring.
const BlockKindLine = "LINE"

// ResultPage is one page of recognition results. NextToken is empty on the last page.
type ResultPage struct {
	Blocks    []TextBlock
	NextToken string
}
