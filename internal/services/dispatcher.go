package services

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/Lllllllleong/casefileflow/internal/gcp"
	"github.com/Lllllllleong/casefileflow/internal/models"
	"github.com/Lllllllleong/casefileflow/internal/rebuild"
	"github.com/Lllllllleong/casefileflow/internal/tracker"
)

// Classification is what the dispatcher does with an enumerated object.
type Classification int

const (
	Unprocessable Classification = iota
	Supported
	Archive
	FolderMarker
	// ArchiveMember is a file extracted from an archive into the source
	// prefix's unzipped/ folder. It is dispatched by the pass that expands the
	// archive, never on its own.
	ArchiveMember
)

func (c Classification) String() string {
	switch c {
	case Supported:
		return "supported"
	case Archive:
		return "archive"
	case FolderMarker:
		return "folder"
	case ArchiveMember:
		return "archive-member"
	default:
		return "unprocessable"
	}
}

// SupportedExtensions are the file types submitted for recognition.
var SupportedExtensions = []string{"pdf"}

const unzippedDir = "unzipped"

// Classify decides how key is dispatched. sourcePrefix locates the unzipped/
// folder that archive expansion writes to.
func Classify(key, sourcePrefix string) Classification {
	if strings.HasSuffix(key, "/") {
		return FolderMarker
	}
	if strings.HasPrefix(key, unzippedPrefix(sourcePrefix)) {
		return ArchiveMember
	}
	ext := rebuild.Ext(key)
	if ext == "zip" {
		return Archive
	}
	for _, supported := range SupportedExtensions {
		if ext == supported {
			return Supported
		}
	}
	return Unprocessable
}

type DispatcherConfig struct {
	PipelineConfig
	ThrottleEvery  int
	ThrottleDelay  time.Duration
	ExpandArchives bool
}

// DispatcherFunction enumerates source documents and submits them for recognition.
type DispatcherFunction struct {
	objects    ObjectStore
	recognizer Recognizer
	tracker    *tracker.Tracker
	config     DispatcherConfig
	sleep      func(context.Context, time.Duration) error
}

func NewDispatcher(ctx context.Context) (*DispatcherFunction, error) {
	pipeline, err := loadPipelineConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	throttleEvery, err := strconv.Atoi(gcp.GetEnv("THROTTLE_EVERY", "15"))
	if err != nil || throttleEvery < 1 {
		return nil, fmt.Errorf("THROTTLE_EVERY must be a positive integer")
	}
	throttleDelay, err := time.ParseDuration(gcp.GetEnv("THROTTLE_DELAY", "1s"))
	if err != nil {
		return nil, fmt.Errorf("invalid THROTTLE_DELAY: %w", err)
	}
	config := DispatcherConfig{
		PipelineConfig: pipeline,
		ThrottleEvery:  throttleEvery,
		ThrottleDelay:  throttleDelay,
		ExpandArchives: gcp.GetEnv("EXPAND_ARCHIVES", "false") == "true",
	}

	clients, err := newPipelineClients(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	f := newDispatcher(config, clients.objects, clients.recognizer, clients.tracker)
	slog.Info("Dispatcher initialized.", "sourceBucket", config.SourceBucket, "expandArchives", config.ExpandArchives)
	return f, nil
}

func newDispatcher(config DispatcherConfig, objects ObjectStore, recognizer Recognizer, tr *tracker.Tracker) *DispatcherFunction {
	if config.ThrottleEvery < 1 {
		config.ThrottleEvery = 15
	}
	return &DispatcherFunction{
		objects:    objects,
		recognizer: recognizer,
		tracker:    tr,
		config:     config,
		sleep:      sleepContext,
	}
}

// Config returns the configuration the dispatcher was built with.
func (f *DispatcherFunction) Config() DispatcherConfig {
	return f.config
}

// Run makes one pass over the objects under req. A failure on one object is
// logged and counted and does not stop the pass.
func (f *DispatcherFunction) Run(ctx context.Context, req models.DispatchRequest) (models.DispatchSummary, error) {
	var summary models.DispatchSummary
	logCtx := slog.With("gcsBucket", req.Bucket, "prefix", req.Prefix)

	keys, err := f.objects.List(ctx, req.Bucket, req.Prefix)
	if err != nil {
		return summary, fmt.Errorf("failed to enumerate source objects: %w", err)
	}
	logCtx.Info("Enumerated source objects.", "count", len(keys))

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		switch c := Classify(key, f.config.Paths.SourcePrefix); c {
		case FolderMarker, ArchiveMember:
			summary.Skipped++
		case Supported:
			if err := f.submit(ctx, &summary, req.Bucket, key, ""); err != nil {
				return summary, err
			}
		case Archive:
			if f.config.ExpandArchives {
				complete, err := f.expandArchive(ctx, &summary, req.Bucket, key)
				if err != nil {
					return summary, err
				}
				if !complete {
					// Left in place so the next pass retries the members that failed.
					continue
				}
			}
			f.relocate(ctx, &summary, req.Bucket, key, c)
		default:
			f.relocate(ctx, &summary, req.Bucket, key, c)
		}
	}

	logCtx.Info("Dispatch pass complete.",
		"submitted", summary.Submitted,
		"relocated", summary.Relocated,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)
	return summary, nil
}

// submit starts recognition for one document and records the job. It returns an
// error only when the pass itself must stop.
func (f *DispatcherFunction) submit(ctx context.Context, summary *models.DispatchSummary, bucket, key, archiveKey string) error {
	logCtx := slog.With("gcsObject", key)

	active, err := f.tracker.ActiveJob(ctx, bucket, key)
	switch {
	case errors.Is(err, tracker.ErrNotFound):
	case err != nil:
		summary.Failed++
		logCtx.Error("Failed to check for an active recognition job.", "error", err)
		return nil
	default:
		summary.Skipped++
		logCtx.Info("Recognition job already in progress. Skipping.", "jobId", active.JobID)
		return nil
	}

	jobID, err := f.recognizer.Submit(ctx, bucket, key)
	if err != nil {
		summary.Failed++
		logCtx.Error("Failed to start recognition job.", "error", err)
		return nil
	}
	logCtx = logCtx.With("jobId", jobID)

	job := &models.RecognitionJob{
		JobID:        jobID,
		SourceBucket: bucket,
		SourceKey:    key,
		FileType:     rebuild.Ext(key),
		FromArchive:  archiveKey != "",
		ArchiveKey:   archiveKey,
	}
	if err := f.tracker.Start(ctx, job); err != nil {
		summary.Failed++
		logCtx.Error("Recognition job started but could not be recorded.", "error", err)
		return nil
	}
	summary.Submitted++
	logCtx.Info("Started recognition job.")

	if summary.Submitted%f.config.ThrottleEvery == 0 {
		logCtx.Info("Pausing after submission batch.", "submitted", summary.Submitted, "delay", f.config.ThrottleDelay.String())
		if err := f.sleep(ctx, f.config.ThrottleDelay); err != nil {
			return err
		}
	}
	return nil
}

func (f *DispatcherFunction) relocate(ctx context.Context, summary *models.DispatchSummary, bucket, key string, c Classification) {
	dst := f.config.Paths.ProcessedKey(key)
	if err := f.objects.Move(ctx, bucket, key, dst); err != nil {
		summary.Failed++
		slog.Error("Failed to relocate object.", "gcsObject", key, "classification", c.String(), "error", err)
		return
	}
	summary.Relocated++
	slog.Info("Relocated object.", "gcsObject", key, "classification", c.String(), "destination", dst)
}

// expandArchive extracts the supported members of an archive under the unzipped/
// folder and submits each of them with a back-reference to the archive. It
// reports whether every member was submitted or is already in progress.
func (f *DispatcherFunction) expandArchive(ctx context.Context, summary *models.DispatchSummary, bucket, archiveKey string) (bool, error) {
	data, err := f.objects.Read(ctx, bucket, archiveKey)
	if err != nil {
		summary.Failed++
		slog.Error("Failed to read archive.", "gcsObject", archiveKey, "error", err)
		return false, nil
	}
	members, err := archiveMembers(data)
	if err != nil {
		// A corrupt archive never opens; move it aside with the rest.
		summary.Failed++
		slog.Error("Failed to open archive.", "gcsObject", archiveKey, "error", err)
		return true, nil
	}

	failed := summary.Failed
	for _, m := range members {
		key := memberKey(f.config.Paths.SourcePrefix, archiveKey, m.name)
		if err := f.objects.Write(ctx, bucket, key, m.data, rebuild.ContentType(rebuild.Ext(key))); err != nil {
			summary.Failed++
			slog.Error("Failed to upload archive member.", "gcsObject", key, "archive", archiveKey, "error", err)
			continue
		}
		if err := f.submit(ctx, summary, bucket, key, archiveKey); err != nil {
			return false, err
		}
	}
	return summary.Failed == failed, nil
}

type archiveMember struct {
	name string
	data []byte
}

func archiveMembers(data []byte) ([]archiveMember, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	var members []archiveMember
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() || Classify(path.Base(zf.Name), "") != Supported {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", zf.Name, err)
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", zf.Name, err)
		}
		members = append(members, archiveMember{name: path.Base(zf.Name), data: body})
	}
	return members, nil
}

func unzippedPrefix(sourcePrefix string) string {
	return sourcePrefix + unzippedDir + "/"
}

// memberKey places an extracted file under <source prefix>unzipped/<archive path without extension>/.
func memberKey(sourcePrefix, archiveKey, name string) string {
	rel := strings.TrimPrefix(archiveKey, sourcePrefix)
	rel = strings.TrimSuffix(rel, path.Ext(rel))
	return unzippedPrefix(sourcePrefix) + rel + "/" + path.Base(name)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
