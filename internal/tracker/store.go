package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/casefileflow/internal/models"
)

// Store persists job and narrative records. Implementations return ErrNotFound
// for missing records.
type Store interface {
	GetJob(ctx context.Context, jobID string) (*models.RecognitionJob, error)
	PutJob(ctx context.Context, job *models.RecognitionJob) error
	PendingJobs(ctx context.Context, limit int) ([]*models.RecognitionJob, error)
	// ActiveJob returns the IN_PROGRESS job recorded for a source object.
	ActiveJob(ctx context.Context, bucket, sourceKey string) (*models.RecognitionJob, error)

	GetNarrative(ctx context.Context, documentID string) (*models.NarrativeRecord, error)
	PutNarrative(ctx context.Context, rec *models.NarrativeRecord) error
	ListNarratives(ctx context.Context, status string) ([]*models.NarrativeRecord, error)
	// JobNarratives returns the narratives started for one recognition job, oldest first.
	JobNarratives(ctx context.Context, ocrJobID string) ([]*models.NarrativeRecord, error)
}

// FirestoreStore keeps jobs and narratives in two Firestore collections. Pending
// lookups need a composite index on (status, timestamp) of the jobs collection,
// active-job lookups one on (sourceBucket, sourceKey, status).
type FirestoreStore struct {
	client     *firestore.Client
	jobs       string
	narratives string
}

func NewFirestoreStore(client *firestore.Client, jobsCollection, narrativesCollection string) *FirestoreStore {
	return &FirestoreStore{client: client, jobs: jobsCollection, narratives: narrativesCollection}
}

func (s *FirestoreStore) GetJob(ctx context.Context, jobID string) (*models.RecognitionJob, error) {
	snap, err := s.client.Collection(s.jobs).Doc(jobID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	var job models.RecognitionJob
	if err := snap.DataTo(&job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *FirestoreStore) PutJob(ctx context.Context, job *models.RecognitionJob) error {
	if _, err := s.client.Collection(s.jobs).Doc(job.JobID).Set(ctx, job); err != nil {
		return fmt.Errorf("failed to set job %s: %w", job.JobID, err)
	}
	return nil
}

func (s *FirestoreStore) PendingJobs(ctx context.Context, limit int) ([]*models.RecognitionJob, error) {
	q := s.client.Collection(s.jobs).
		Where("status", "==", models.StatusInProgress).
		OrderBy("timestamp", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var jobs []*models.RecognitionJob
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query pending jobs: %w", err)
		}
		var job models.RecognitionJob
		if err := snap.DataTo(&job); err != nil {
			return nil, fmt.Errorf("failed to decode job %s: %w", snap.Ref.ID, err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (s *FirestoreStore) ActiveJob(ctx context.Context, bucket, sourceKey string) (*models.RecognitionJob, error) {
	iter := s.client.Collection(s.jobs).
		Where("sourceBucket", "==", bucket).
		Where("sourceKey", "==", sourceKey).
		Where("status", "==", models.StatusInProgress).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, fmt.Errorf("active job for %s: %w", sourceKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active job for %s: %w", sourceKey, err)
	}
	var job models.RecognitionJob
	if err := snap.DataTo(&job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", snap.Ref.ID, err)
	}
	return &job, nil
}

func (s *FirestoreStore) GetNarrative(ctx context.Context, documentID string) (*models.NarrativeRecord, error) {
	snap, err := s.client.Collection(s.narratives).Doc(documentID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("narrative %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get narrative %s: %w", documentID, err)
	}
	var rec models.NarrativeRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode narrative %s: %w", documentID, err)
	}
	return &rec, nil
}

// PutNarrative writes the flattened document form of rec, replacing any previous version.
func (s *FirestoreStore) PutNarrative(ctx context.Context, rec *models.NarrativeRecord) error {
	if _, err := s.client.Collection(s.narratives).Doc(rec.DocumentID).Set(ctx, rec.Document()); err != nil {
		return fmt.Errorf("failed to set narrative %s: %w", rec.DocumentID, err)
	}
	return nil
}

func (s *FirestoreStore) ListNarratives(ctx context.Context, statusFilter string) ([]*models.NarrativeRecord, error) {
	q := s.client.Collection(s.narratives).Query
	if statusFilter != "" {
		q = q.Where("status", "==", statusFilter)
	}
	return s.queryNarratives(ctx, q)
}

func (s *FirestoreStore) JobNarratives(ctx context.Context, ocrJobID string) ([]*models.NarrativeRecord, error) {
	return s.queryNarratives(ctx, s.client.Collection(s.narratives).Where("ocrJobId", "==", ocrJobID))
}

func (s *FirestoreStore) queryNarratives(ctx context.Context, q firestore.Query) ([]*models.NarrativeRecord, error) {
	docs, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list narratives: %w", err)
	}
	recs := make([]*models.NarrativeRecord, 0, len(docs))
	for _, snap := range docs {
		var rec models.NarrativeRecord
		if err := snap.DataTo(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode narrative %s: %w", snap.Ref.ID, err)
		}
		recs = append(recs, &rec)
	}
	sortNarratives(recs)
	return recs, nil
}

func sortNarratives(recs []*models.NarrativeRecord) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
}

// MemoryStore is a Store backed by maps. Records are copied in and out so
// callers cannot mutate stored state without a Put.
type MemoryStore struct {
	mu         sync.Mutex
	jobs       map[string]models.RecognitionJob
	narratives map[string]models.NarrativeRecord
	puts       int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:       make(map[string]models.RecognitionJob),
		narratives: make(map[string]models.NarrativeRecord),
	}
}

// Puts counts writes of either record type.
func (m *MemoryStore) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (*models.RecognitionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return &job, nil
}

func (m *MemoryStore) PutJob(_ context.Context, job *models.RecognitionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = *job
	m.puts++
	return nil
}

func (m *MemoryStore) PendingJobs(_ context.Context, limit int) ([]*models.RecognitionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []*models.RecognitionJob
	for _, job := range m.jobs {
		if job.Status == models.StatusInProgress {
			j := job
			jobs = append(jobs, &j)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Timestamp.Equal(jobs[j].Timestamp) {
			return jobs[i].JobID < jobs[j].JobID
		}
		return jobs[i].Timestamp.Before(jobs[j].Timestamp)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (m *MemoryStore) ActiveJob(_ context.Context, bucket, sourceKey string) (*models.RecognitionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.Status == models.StatusInProgress && job.SourceBucket == bucket && job.SourceKey == sourceKey {
			return &job, nil
		}
	}
	return nil, fmt.Errorf("active job for %s: %w", sourceKey, ErrNotFound)
}

func (m *MemoryStore) GetNarrative(_ context.Context, documentID string) (*models.NarrativeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.narratives[documentID]
	if !ok {
		return nil, fmt.Errorf("narrative %s: %w", documentID, ErrNotFound)
	}
	return &rec, nil
}

func (m *MemoryStore) PutNarrative(_ context.Context, rec *models.NarrativeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.narratives[rec.DocumentID] = *rec
	m.puts++
	return nil
}

func (m *MemoryStore) ListNarratives(_ context.Context, status string) ([]*models.NarrativeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []*models.NarrativeRecord
	for _, rec := range m.narratives {
		if status == "" || rec.Status == status {
			r := rec
			recs = append(recs, &r)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].DocumentID < recs[j].DocumentID })
	sortNarratives(recs)
	return recs, nil
}

func (m *MemoryStore) JobNarratives(_ context.Context, ocrJobID string) ([]*models.NarrativeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []*models.NarrativeRecord
	for _, rec := range m.narratives {
		if rec.OCRJobID == ocrJobID {
			r := rec
			recs = append(recs, &r)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].DocumentID < recs[j].DocumentID })
	sortNarratives(recs)
	return recs, nil
}
