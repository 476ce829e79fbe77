package db

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/bobarin/composer/internal/models"
)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &DB{DB: conn}, mock
}

var jobRowColumns = []string{
	"id", "type", "status", "request", "result", "output_asset_id", "attempts",
	"error_message", "started_at", "finished_at", "created_at", "updated_at",
}

func TestCreateJob(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	job := &models.Job{
		ID:      uuid.New(),
		Type:    models.JobTypeZoom,
		Status:  models.JobStatusQueued,
		Request: json.RawMessage(`{"source_ref":"a.mp4"}`),
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO jobs (id, type, status, request, attempts)")).
		WithArgs(job.ID, job.Type, job.Status, sqlmock.AnyArg(), 0).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

	if err := db.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !job.CreatedAt.Equal(now) {
		t.Errorf("expected created_at %v, got %v", now, job.CreatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetJob(t *testing.T) {
	db, mock := newMock(t)
	id := uuid.New()
	assetID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).AddRow(
			id.String(), "speed_fit", "succeeded", []byte(`{"source_ref":"a"}`), []byte(`{"speed_factor":0.25}`),
			assetID.String(), 1, nil, now, now, now, now,
		))

	job, err := db.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Type != models.JobTypeSpeedFit || job.Status != models.JobStatusSucceeded {
		t.Errorf("unexpected job %+v", job)
	}
	if string(job.Request) != `{"source_ref":"a"}` {
		t.Errorf("unexpected request %s", job.Request)
	}
	if job.Result[models.ResultSpeedFactor] != 0.25 {
		t.Errorf("unexpected result %v", job.Result)
	}
	if job.OutputAssetID == nil || *job.OutputAssetID != assetID {
		t.Errorf("expected output asset %s, got %v", assetID, job.OutputAssetID)
	}
	if job.ErrorMessage != nil {
		t.Errorf("expected no error message, got %q", *job.ErrorMessage)
	}
}

func TestGetJobNotFound(t *testing.T) {
	db, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(jobRowColumns))

	_, err := db.GetJob(context.Background(), id)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListJobsByStatus(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3")).
		WithArgs(models.JobStatusFailed, 10, 20).
		WillReturnRows(sqlmock.NewRows(jobRowColumns).
			AddRow(uuid.NewString(), "trim", "failed", []byte(`{}`), nil, nil, 1, "ffmpeg failed", now, now, now, now).
			AddRow(uuid.NewString(), "compose", "failed", []byte(`{}`), nil, nil, 2, "no clips", now, now, now, now))

	jobs, err := db.ListJobs(context.Background(), models.JobStatusFailed, 10, 20)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 || *jobs[0].ErrorMessage != "ffmpeg failed" || jobs[1].Attempts != 2 {
		t.Errorf("unexpected jobs %+v", jobs)
	}
}

func TestListJobsEmpty(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2")).
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows(jobRowColumns))

	jobs, err := db.ListJobs(context.Background(), "", 50, 0)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if jobs == nil || len(jobs) != 0 {
		t.Errorf("expected an empty, non-nil slice, got %#v", jobs)
	}
}

func TestJobTransitions(t *testing.T) {
	db, mock := newMock(t)
	id := uuid.New()
	assetID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("SET status = $1, started_at = NOW(), attempts = attempts + 1")).
		WithArgs(models.JobStatusRunning, id, models.JobStatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = $1, output_asset_id = $2, result = $3")).
		WithArgs(models.JobStatusSucceeded, assetID, sqlmock.AnyArg(), id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET status = $1, error_message = $2")).
		WithArgs(models.JobStatusFailed, "boom", id).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	if err := db.MarkJobRunning(ctx, id); err != nil {
		t.Fatalf("MarkJobRunning: %v", err)
	}
	if err := db.CompleteJob(ctx, id, assetID, models.JSONB{models.ResultDuration: 10.0}); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if err := db.FailJob(ctx, id, "boom"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound when no row is updated, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMarkJobRunningSkipsClaimedJob(t *testing.T) {
	db, mock := newMock(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $2 AND status = $3")).
		WithArgs(models.JobStatusRunning, id, models.JobStatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := db.MarkJobRunning(context.Background(), id)
	if !errors.Is(err, ErrNotQueued) {
		t.Fatalf("expected ErrNotQueued, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Errorf("a job that is not queued should not read as a missing row: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateAndGetAsset(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now().UTC()
	size := int64(1024)
	duration := 12.5
	contentType := "video/mp4"
	asset := &models.Asset{
		ID:              uuid.New(),
		JobID:           uuid.New(),
		Type:            models.AssetTypeRender,
		StorageBucket:   "videos",
		StoragePath:     "renders/x/output.mp4",
		ContentType:     &contentType,
		ByteSize:        &size,
		DurationSeconds: &duration,
	}

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO assets")).
		WithArgs(asset.ID, asset.JobID, asset.Type, "videos", "renders/x/output.mp4", contentType, size, duration).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM assets")).
		WithArgs(asset.ID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_id", "type", "storage_bucket", "storage_path",
			"content_type", "byte_size", "duration_seconds", "created_at",
		}).AddRow(asset.ID.String(), asset.JobID.String(), "render", "videos", "renders/x/output.mp4", contentType, size, duration, now))

	ctx := context.Background()
	if err := db.CreateAsset(ctx, asset); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	got, err := db.GetAsset(ctx, asset.ID)
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if got.StoragePath != asset.StoragePath || *got.ByteSize != size || *got.DurationSeconds != duration {
		t.Errorf("unexpected asset %+v", got)
	}
}

func TestGetAssetNotFound(t *testing.T) {
	db, mock := newMock(t)
	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta("FROM assets")).WithArgs(id).WillReturnError(errors.New("connection reset"))

	_, err := db.GetAsset(context.Background(), id)
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected a wrapped driver error, got %v", err)
	}
}

func TestMigrate(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS assets")).WillReturnResult(sqlmock.NewResult(0, 0))

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}
