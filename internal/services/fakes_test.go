package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Lllllllleong/casefileflow/internal/extraction"
	"github.com/Lllllllleong/casefileflow/internal/gcp"
	"github.com/Lllllllleong/casefileflow/internal/models"
)

// fakeObjects is an in-memory ObjectStore with the same move and write
// semantics as the Cloud Storage implementation.
type fakeObjects struct {
	mu        sync.Mutex
	objects   map[string][]byte
	types     map[string]string
	failWrite map[string]error
	moves     int
	deletes   int
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		objects:   make(map[string][]byte),
		types:     make(map[string]string),
		failWrite: make(map[string]error),
	}
}

func objectID(bucket, key string) string { return bucket + "/" + key }

func (o *fakeObjects) put(bucket, key string, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[objectID(bucket, key)] = data
}

func (o *fakeObjects) get(bucket, key string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[objectID(bucket, key)]
	return data, ok
}

func (o *fakeObjects) List(_ context.Context, bucket, prefix string) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var keys []string
	for id := range o.objects {
		if key, ok := strings.CutPrefix(id, bucket+"/"); ok && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (o *fakeObjects) Read(_ context.Context, bucket, key string) ([]byte, error) {
	data, ok := o.get(bucket, key)
	if !ok {
		return nil, fmt.Errorf("%s: %w", gcp.GCSURI(bucket, key), gcp.ErrObjectNotFound)
	}
	return data, nil
}

func (o *fakeObjects) Write(_ context.Context, bucket, key string, data []byte, contentType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.failWrite[key]; err != nil {
		return err
	}
	id := objectID(bucket, key)
	if _, exists := o.objects[id]; exists {
		return nil
	}
	o.objects[id] = data
	o.types[id] = contentType
	return nil
}

func (o *fakeObjects) Move(_ context.Context, bucket, src, dst string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.moves++
	data, ok := o.objects[objectID(bucket, src)]
	if !ok {
		if _, moved := o.objects[objectID(bucket, dst)]; moved {
			return nil
		}
		return fmt.Errorf("%s: %w", gcp.GCSURI(bucket, src), gcp.ErrObjectNotFound)
	}
	if _, exists := o.objects[objectID(bucket, dst)]; !exists {
		o.objects[objectID(bucket, dst)] = data
	}
	delete(o.objects, objectID(bucket, src))
	return nil
}

func (o *fakeObjects) Delete(_ context.Context, bucket, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deletes++
	delete(o.objects, objectID(bucket, key))
	return nil
}

// fakeRecognizer serves canned results and states per job.
type fakeRecognizer struct {
	mu         sync.Mutex
	next       int
	submitted  []string
	failSubmit map[string]bool
	pages      map[string][]models.ResultPage
	states     map[string]models.JobState
	resultsErr error
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{
		failSubmit: make(map[string]bool),
		pages:      make(map[string][]models.ResultPage),
		states:     make(map[string]models.JobState),
	}
}

func (r *fakeRecognizer) Submit(_ context.Context, _, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSubmit[key] {
		return "", errors.New("throttled")
	}
	r.next++
	r.submitted = append(r.submitted, key)
	return fmt.Sprintf("job-%d", r.next), nil
}

func (r *fakeRecognizer) State(_ context.Context, jobID string) (models.JobState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[jobID]
	if !ok {
		return models.JobState{}, fmt.Errorf("unknown job %s", jobID)
	}
	return state, nil
}

// Results serves the canned pages in order; the token is the index of the next page.
func (r *fakeRecognizer) Results(_ context.Context, jobID, token string) (models.ResultPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resultsErr != nil {
		return models.ResultPage{}, r.resultsErr
	}
	pages := r.pages[jobID]
	i := 0
	if token != "" {
		i, _ = strconv.Atoi(token)
	}
	if i >= len(pages) {
		return models.ResultPage{}, nil
	}
	page := pages[i]
	if i+1 < len(pages) {
		page.NextToken = strconv.Itoa(i + 1)
	}
	return page, nil
}

// fakeExtractor reports the canned states in order and then the canned result.
type fakeExtractor struct {
	mu         sync.Mutex
	states     []models.JobState
	polls      int
	result     extraction.Result
	extractErr error
	inputs     []string
}

func (e *fakeExtractor) Extract(_ context.Context, inputURI, outputURI string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.extractErr != nil {
		return "", e.extractErr
	}
	e.inputs = append(e.inputs, inputURI+" -> "+outputURI)
	return "ext-1", nil
}

func (e *fakeExtractor) State(_ context.Context, _ string) (models.JobState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.polls
	e.polls++
	if i >= len(e.states) {
		i = len(e.states) - 1
	}
	return e.states[i], nil
}

func (e *fakeExtractor) Extracted(_ context.Context, _ string) (extraction.Result, error) {
	return e.result, nil
}

type fakeModel struct {
	reply   string
	err     error
	prompts []string
}

func (m *fakeModel) Generate(_ context.Context, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	return m.reply, m.err
}

type fakeTrigger struct {
	args []any
	err  error
}

func (t *fakeTrigger) Start(_ context.Context, argument any) (string, error) {
	t.args = append(t.args, argument)
	if t.err != nil {
		return "", t.err
	}
	return fmt.Sprintf("executions/%d", len(t.args)), nil
}

// recordingSleep records requested pauses without waiting.
type recordingSleep struct {
	calls []time.Duration
	err   error
}

func (s *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	s.calls = append(s.calls, d)
	return s.err
}
