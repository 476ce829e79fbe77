package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/composer/internal/db"
	"github.com/bobarin/composer/internal/models"
	"github.com/bobarin/composer/internal/planner"
	"github.com/bobarin/composer/internal/queue"
	"github.com/bobarin/composer/internal/services"
)

const (
	dequeueTimeout  = 5 * time.Second
	dequeueBackoff  = time.Second
	maxDownloads    = 4 // per job
	defaultUploads  = 2 // across all workers
	outputName      = "output.mp4"
	outputMediaType = "video/mp4"
)

// JobStore is the job persistence the worker needs. *db.DB implements it.
type JobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	MarkJobRunning(ctx context.Context, id uuid.UUID) error
	CompleteJob(ctx context.Context, id, assetID uuid.UUID, result models.JSONB) error
	FailJob(ctx context.Context, id uuid.UUID, errorMessage string) error
	CreateAsset(ctx context.Context, asset *models.Asset) error
}

// JobSource yields queued jobs. *queue.Queue implements it.
type JobSource interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error)
}

// ObjectStore fetches sources and stores outputs. *storage.Storage implements it.
type ObjectStore interface {
	SourceResolver
	UploadFile(ctx context.Context, storagePath, localPath, contentType string) error
	GenerateStoragePath(jobID uuid.UUID, filename string) string
}

// Prober describes local media files. *services.Prober implements it.
type Prober interface {
	ProbeAll(ctx context.Context, paths []string) []planner.ClipDescriptor
}

// Renderer executes a render spec. *services.FFmpegService implements it.
type Renderer interface {
	Render(ctx context.Context, spec services.RenderSpec) (*services.RenderResult, error)
}

// Options are the render and resource settings shared by every job.
type Options struct {
	Render     planner.RenderConfig
	Codec      services.CodecOptions
	Bucket     string
	TempDir    string
	JobTimeout time.Duration // zero means no limit
	MaxUploads int
}

type Worker struct {
	db        JobStore
	queue     JobSource
	storage   ObjectStore
	pipeline  *Pipeline
	opts      Options
	uploadSem chan struct{} // Limits concurrent uploads across all workers
}

func New(store JobStore, q JobSource, stor ObjectStore, prober Prober, renderer Renderer, opts Options) *Worker {
	if opts.MaxUploads <= 0 {
		opts.MaxUploads = defaultUploads
	}
	return &Worker{
		db:        store,
		queue:     q,
		storage:   stor,
		pipeline:  NewPipeline(stor, prober, renderer, opts.Render, opts.Codec),
		opts:      opts,
		uploadSem: make(chan struct{}, opts.MaxUploads),
	}
}

// Start runs concurrency consumers of the render queue and returns once ctx
// is cancelled and every consumer has stopped.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("[Worker] Started with concurrency: %d", concurrency)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.processQueue(ctx, queue.QueueRender)
		}()
	}

	<-ctx.Done()
	log.Println("[Worker] Shutting down...")
	wg.Wait()
}

func (w *Worker) processQueue(ctx context.Context, queueName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, queueName, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Worker] Error dequeuing from %s: %v", queueName, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}

		if job == nil {
			continue // No job available, retry
		}

		w.handle(ctx, job)
	}
}

// handle runs one job to a terminal state. Failures are recorded on the job
// row; nothing is retried.
func (w *Worker) handle(ctx context.Context, msg *queue.Job) {
	log.Printf("[Worker] Processing job %s (type: %s)", msg.ID, msg.Type)
	start := time.Now()

	if err := w.db.MarkJobRunning(ctx, msg.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) || errors.Is(err, db.ErrNotQueued) {
			log.Printf("[Worker] Job %s is not queued, skipping", msg.ID)
			return
		}
		log.Printf("[Worker] Failed to mark job %s running: %v", msg.ID, err)
	}

	jobCtx := ctx
	if w.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, w.opts.JobTimeout)
		defer cancel()
	}

	// The terminal write must land even when the job was cancelled.
	recordCtx := context.WithoutCancel(ctx)

	if err := w.run(jobCtx, msg.ID); err != nil {
		log.Printf("[Worker] Job %s failed after %s: %v", msg.ID, time.Since(start).Round(time.Millisecond), err)
		if ferr := w.db.FailJob(recordCtx, msg.ID, err.Error()); ferr != nil {
			log.Printf("[Worker] Failed to record failure of job %s: %v", msg.ID, ferr)
		}
		return
	}
	log.Printf("[Worker] Job %s completed in %s", msg.ID, time.Since(start).Round(time.Millisecond))
}

func (w *Worker) run(ctx context.Context, jobID uuid.UUID) error {
	job, err := w.db.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	ws, err := services.NewWorkspace(w.opts.TempDir)
	if err != nil {
		return err
	}
	defer ws.Close()

	out, err := w.pipeline.Run(ctx, ws, job.Type, job.Request)
	if err != nil {
		return err
	}

	return w.publish(ctx, job.ID, out)
}

// publish uploads the output, records the asset and completes the job.
func (w *Worker) publish(ctx context.Context, jobID uuid.UUID, out *Output) error {
	storagePath := w.storage.GenerateStoragePath(jobID, outputName)
	if err := w.uploadWithLimit(ctx, jobID.String(), func() error {
		return w.storage.UploadFile(ctx, storagePath, out.File.Output, outputMediaType)
	}); err != nil {
		return fmt.Errorf("failed to upload output: %w", err)
	}

	bytes := out.File.Bytes
	duration := out.Duration
	asset := &models.Asset{
		ID:              uuid.New(),
		JobID:           jobID,
		Type:            models.AssetTypeRender,
		StorageBucket:   w.opts.Bucket,
		StoragePath:     storagePath,
		ContentType:     strPtr(outputMediaType),
		ByteSize:        &bytes,
		DurationSeconds: &duration,
	}
	if err := w.db.CreateAsset(ctx, asset); err != nil {
		return fmt.Errorf("failed to save output asset: %w", err)
	}

	result := models.JSONB{}
	for k, v := range out.Details {
		result[k] = v
	}
	result[models.ResultStoragePath] = storagePath
	result[models.ResultBytes] = bytes
	result[models.ResultDuration] = duration
	if err := w.db.CompleteJob(ctx, jobID, asset.ID, result); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// uploadWithLimit wraps an upload with a semaphore shared by all workers.
func (w *Worker) uploadWithLimit(ctx context.Context, label string, fn func() error) error {
	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-w.uploadSem }()

	log.Printf("[Upload] %s uploading...", label)
	return fn()
}

func strPtr(s string) *string {
	return &s
}
