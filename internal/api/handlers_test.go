package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/bobarin/composer/internal/db"
	"github.com/bobarin/composer/internal/models"
)

type fakeStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*models.Job
	assets map[uuid.UUID]*models.Asset
	failed map[uuid.UUID]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:   make(map[uuid.UUID]*models.Job),
		assets: make(map[uuid.UUID]*models.Asset),
		failed: make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *fakeStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) ListJobs(ctx context.Context, status models.JobStatus, limit, offset int) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if status == "" || j.Status == status {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *fakeStore) CountJobs(ctx context.Context, status models.JobStatus) (int, error) {
	jobs, _ := s.ListJobs(ctx, status, 0, 0)
	return len(jobs), nil
}

func (s *fakeStore) FailJob(ctx context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = msg
	if j, ok := s.jobs[id]; ok {
		j.Status = models.JobStatusFailed
		j.ErrorMessage = &msg
	}
	return nil
}

func (s *fakeStore) GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return a, nil
}

type fakeQueue struct {
	mu     sync.Mutex
	queued []string
	err    error
}

func (q *fakeQueue) EnqueueRender(ctx context.Context, jobType string, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.queued = append(q.queued, jobType+":"+jobID.String())
	return nil
}

type fakeSigner struct{}

func (fakeSigner) GetPublicURL(storagePath string) string {
	return "https://cdn.test/public/" + storagePath
}

func (fakeSigner) GetSignedURL(ctx context.Context, storagePath string, expiresIn int) (string, error) {
	return "https://cdn.test/signed/" + storagePath + "?token=t", nil
}

func newTestServer(t *testing.T, apiKey string) (*httptest.Server, *fakeStore, *fakeQueue) {
	t.Helper()
	store := newFakeStore()
	q := &fakeQueue{}
	srv := httptest.NewServer(NewRouter(NewHandler(store, q, fakeSigner{}), RouterConfig{BackendAPIKey: apiKey}))
	t.Cleanup(srv.Close)
	return srv, store, q
}

func do(t *testing.T, method, url, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateCompositionQueuesJob(t *testing.T) {
	srv, store, q := newTestServer(t, "")

	body := `{"clips":[{"source_ref":"a.mp4"},{"source_ref":"b.mp4","speed_factor":2}],"transition_kind":"fade","transition_duration_seconds":1}`
	resp := do(t, http.MethodPost, srv.URL+"/v1/compositions", body, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var created models.CreateJobResponse
	decodeBody(t, resp, &created)
	if created.Type != models.JobTypeCompose || created.Status != models.JobStatusQueued {
		t.Errorf("response = %+v", created)
	}

	job, err := store.GetJob(context.Background(), created.JobID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	var stored models.CreateCompositionRequest
	if err := json.Unmarshal(job.Request, &stored); err != nil {
		t.Fatalf("stored request: %v", err)
	}
	if len(stored.Clips) != 2 || stored.Clips[1].SourceRef != "b.mp4" {
		t.Errorf("stored request = %+v", stored)
	}

	want := "compose:" + created.JobID.String()
	if len(q.queued) != 1 || q.queued[0] != want {
		t.Errorf("queued = %v, want [%s]", q.queued, want)
	}
}

func TestSubmitEndpoints(t *testing.T) {
	srv, _, q := newTestServer(t, "")

	tests := []struct {
		path     string
		body     string
		wantType models.JobType
	}{
		{"/v1/speed-fits", `{"source_ref":"a.mp4","target_duration_seconds":6}`, models.JobTypeSpeedFit},
		{"/v1/zooms", `{"source_ref":"a.mp4","direction":"out","center_x":0.2}`, models.JobTypeZoom},
		{"/v1/trims", `{"source_ref":"a.mp4","start_seconds":1.5,"duration_seconds":3}`, models.JobTypeTrim},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp := do(t, http.MethodPost, srv.URL+tt.path, tt.body, nil)
			if resp.StatusCode != http.StatusAccepted {
				t.Fatalf("status = %d, want 202", resp.StatusCode)
			}
			var created models.CreateJobResponse
			decodeBody(t, resp, &created)
			if created.Type != tt.wantType {
				t.Errorf("type = %s, want %s", created.Type, tt.wantType)
			}
		})
	}
	if len(q.queued) != len(tests) {
		t.Errorf("queued %d jobs, want %d", len(q.queued), len(tests))
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	srv, store, q := newTestServer(t, "")

	tests := []struct {
		name    string
		path    string
		body    string
		wantErr string
	}{
		{"malformed json", "/v1/compositions", `{"clips":`, "Invalid request body"},
		{"no clips", "/v1/compositions", `{"clips":[]}`, "at least one clip"},
		{"unknown transition", "/v1/compositions", `{"clips":[{"source_ref":"a"}],"transition_kind":"spin"}`, "spin"},
		{"fade on one clip", "/v1/compositions", `{"clips":[{"source_ref":"a"}],"transition_kind":"fade","transition_duration_seconds":1}`, "at least 2 clips"},
		{"both speed controls", "/v1/speed-fits", `{"source_ref":"a","target_duration_seconds":6,"speed_factor":2}`, ""},
		{"zoom out of range", "/v1/zooms", `{"source_ref":"a","start_zoom":5}`, "zoom"},
		{"negative trim start", "/v1/trims", `{"source_ref":"a","start_seconds":-1}`, "start"},
		{"missing source", "/v1/trims", `{"start_seconds":1}`, "source_ref"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, srv.URL+tt.path, tt.body, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			var e map[string]string
			decodeBody(t, resp, &e)
			if e["error"] == "" || !strings.Contains(e["error"], tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", e["error"], tt.wantErr)
			}
		})
	}
	if len(store.jobs) != 0 || len(q.queued) != 0 {
		t.Errorf("rejected requests created %d jobs, queued %d", len(store.jobs), len(q.queued))
	}
}

func TestSubmitEnqueueFailureFailsJob(t *testing.T) {
	srv, store, q := newTestServer(t, "")
	q.err = errors.New("redis down")

	resp := do(t, http.MethodPost, srv.URL+"/v1/speed-fits", `{"source_ref":"a.mp4","speed_factor":2}`, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if len(store.failed) != 1 {
		t.Fatalf("failed jobs = %d, want 1", len(store.failed))
	}
	for id := range store.failed {
		job, _ := store.GetJob(context.Background(), id)
		if job.Status != models.JobStatusFailed {
			t.Errorf("status = %s, want failed", job.Status)
		}
	}
}

func TestGetJob(t *testing.T) {
	srv, store, _ := newTestServer(t, "")

	assetID := uuid.New()
	job := &models.Job{
		ID:            uuid.New(),
		Type:          models.JobTypeSpeedFit,
		Status:        models.JobStatusSucceeded,
		OutputAssetID: &assetID,
		Result:        models.JSONB{models.ResultSpeedFactor: 3.333333},
	}
	store.jobs[job.ID] = job
	store.assets[assetID] = &models.Asset{ID: assetID, StoragePath: "renders/x/output.mp4"}

	resp := do(t, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID.String(), "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var got models.JobResponse
	decodeBody(t, resp, &got)
	if got.ResultURL == nil || *got.ResultURL != "https://cdn.test/public/renders/x/output.mp4" {
		t.Errorf("result_url = %v", got.ResultURL)
	}
	if got.SpeedFactor == nil || *got.SpeedFactor != 3.333333 {
		t.Errorf("speed_factor = %v", got.SpeedFactor)
	}
}

func TestGetJobErrors(t *testing.T) {
	srv, _, _ := newTestServer(t, "")

	if resp := do(t, http.MethodGet, srv.URL+"/v1/jobs/not-a-uuid", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/v1/jobs/"+uuid.NewString(), "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", resp.StatusCode)
	}
}

func TestGetJobDownload(t *testing.T) {
	srv, store, _ := newTestServer(t, "")

	assetID := uuid.New()
	done := &models.Job{ID: uuid.New(), Status: models.JobStatusSucceeded, OutputAssetID: &assetID}
	pending := &models.Job{ID: uuid.New(), Status: models.JobStatusRunning}
	store.jobs[done.ID] = done
	store.jobs[pending.ID] = pending
	store.assets[assetID] = &models.Asset{ID: assetID, StoragePath: "renders/y/output.mp4"}

	resp := do(t, http.MethodGet, srv.URL+"/v1/jobs/"+done.ID.String()+"/download", "", nil)
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "https://cdn.test/signed/renders/y/output.mp4?token=t" {
		t.Errorf("Location = %q", loc)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v1/jobs/"+pending.ID.String()+"/download", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("pending status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	srv, store, _ := newTestServer(t, "")
	for _, st := range []models.JobStatus{models.JobStatusQueued, models.JobStatusQueued, models.JobStatusFailed} {
		j := &models.Job{ID: uuid.New(), Type: models.JobTypeTrim, Status: st}
		store.jobs[j.ID] = j
	}

	resp := do(t, http.MethodGet, srv.URL+"/v1/jobs?status=queued&limit=500", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var page struct {
		Jobs  []models.JobResponse `json:"jobs"`
		Total int                  `json:"total"`
		Limit int                  `json:"limit"`
	}
	decodeBody(t, resp, &page)
	if page.Total != 2 || len(page.Jobs) != 2 {
		t.Errorf("total = %d, jobs = %d, want 2 and 2", page.Total, len(page.Jobs))
	}
	if page.Limit != 100 {
		t.Errorf("limit = %d, want 100", page.Limit)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/v1/jobs?status=bogus", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", resp.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, _, _ := newTestServer(t, "old-key, new-key")
	url := srv.URL + "/v1/jobs"

	tests := []struct {
		name   string
		header http.Header
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", http.Header{"X-Api-Key": {"nope"}}, http.StatusForbidden},
		{"x-api-key", http.Header{"X-Api-Key": {"old-key"}}, http.StatusOK},
		{"bearer", http.Header{"Authorization": {"Bearer new-key"}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := do(t, http.MethodGet, url, "", tt.header); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	if resp := do(t, http.MethodGet, srv.URL+"/health", "", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("health requires no key, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	store := newFakeStore()
	h := NewHandler(store, &fakeQueue{}, fakeSigner{})
	h.AddHealthCheck("database", func(context.Context) error { return nil })
	h.AddHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var got map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"status": "degraded", "database": "ok", "redis": "unavailable"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}
