package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/composer/internal/planner"
)

// Enums
type JobType string

const (
	JobTypeCompose  JobType = "compose"
	JobTypeSpeedFit JobType = "speed_fit"
	JobTypeZoom     JobType = "zoom"
	JobTypeTrim     JobType = "trim"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the job will not change again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

type AssetType string

const (
	AssetTypeRender AssetType = "render"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}
	return json.Unmarshal(data, j)
}

// Models

type Job struct {
	ID            uuid.UUID       `json:"id"`
	Type          JobType         `json:"type"`
	Status        JobStatus       `json:"status"`
	Request       json.RawMessage `json:"request"`
	Result        JSONB           `json:"result,omitempty"`
	OutputAssetID *uuid.UUID      `json:"output_asset_id,omitempty"`
	Attempts      int             `json:"attempts"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Asset struct {
	ID              uuid.UUID `json:"id"`
	JobID           uuid.UUID `json:"job_id"`
	Type            AssetType `json:"type"`
	StorageBucket   string    `json:"storage_bucket"`
	StoragePath     string    `json:"storage_path"`
	ContentType     *string   `json:"content_type,omitempty"`
	ByteSize        *int64    `json:"byte_size,omitempty"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// MaxCompositionClips bounds a single composition request.
const MaxCompositionClips = 100

// ErrInvalidRequest is wrapped by every request validation failure that is
// not already a planner validation error.
var ErrInvalidRequest = errors.New("invalid request")

// ZoomParams is a Ken Burns move. Centers default to 0.5 when omitted.
type ZoomParams struct {
	Direction string   `json:"direction,omitempty"` // "in" (default) or "out"
	StartZoom *float64 `json:"start_zoom,omitempty"`
	EndZoom   *float64 `json:"end_zoom,omitempty"`
	CenterX   *float64 `json:"center_x,omitempty"`
	CenterY   *float64 `json:"center_y,omitempty"`
	OutWidth  *int     `json:"out_width,omitempty"`
	OutHeight *int     `json:"out_height,omitempty"`
}

// PlannerRequest converts the wire form into a planner request.
func (z ZoomParams) PlannerRequest() planner.ZoomRequest {
	req := planner.ZoomRequest{
		Direction: planner.ZoomDirection(z.Direction),
		StartZoom: z.StartZoom,
		EndZoom:   z.EndZoom,
		CenterX:   0.5,
		CenterY:   0.5,
	}
	if z.CenterX != nil {
		req.CenterX = *z.CenterX
	}
	if z.CenterY != nil {
		req.CenterY = *z.CenterY
	}
	if z.OutWidth != nil {
		req.OutWidth = *z.OutWidth
	}
	if z.OutHeight != nil {
		req.OutHeight = *z.OutHeight
	}
	return req
}

// Validate checks everything that does not need the probed clip.
func (z ZoomParams) Validate() error {
	req := z.PlannerRequest()
	if _, _, err := req.ResolveZoom(); err != nil {
		return err
	}
	for _, c := range []float64{req.CenterX, req.CenterY} {
		if c < 0 || c > 1 {
			return fmt.Errorf("%w: center %v outside [0, 1]", planner.ErrInvalidZoom, c)
		}
	}
	if req.OutWidth < 0 || req.OutHeight < 0 || req.OutWidth%2 != 0 || req.OutHeight%2 != 0 {
		return fmt.Errorf("%w: output size %dx%d must be positive and even", planner.ErrInvalidZoom, req.OutWidth, req.OutHeight)
	}
	return nil
}

// CompositionClip is one input of a composition. It may carry its own
// speed-fit or zoom, which is rendered before the clips are joined.
type CompositionClip struct {
	SourceRef             string      `json:"source_ref"`
	TargetDurationSeconds *float64    `json:"target_duration_seconds,omitempty"`
	SpeedFactor           *float64    `json:"speed_factor,omitempty"`
	Zoom                  *ZoomParams `json:"zoom,omitempty"`
}

// HasSpeed reports whether the clip asks for a speed change.
func (c CompositionClip) HasSpeed() bool {
	return c.TargetDurationSeconds != nil || c.SpeedFactor != nil
}

type CreateCompositionRequest struct {
	Clips                     []CompositionClip `json:"clips"`
	TransitionKind            string            `json:"transition_kind,omitempty"`
	TransitionDurationSeconds float64           `json:"transition_duration_seconds,omitempty"`
}

// Transition returns the requested transition.
func (r CreateCompositionRequest) Transition() (planner.TransitionSpec, error) {
	kind, err := planner.ParseTransitionKind(r.TransitionKind)
	if err != nil {
		return planner.TransitionSpec{}, err
	}
	spec := planner.TransitionSpec{Kind: kind, Duration: r.TransitionDurationSeconds}
	return spec, spec.Validate()
}

func (r CreateCompositionRequest) Validate() error {
	if len(r.Clips) == 0 {
		return planner.ErrNoClips
	}
	if len(r.Clips) > MaxCompositionClips {
		return fmt.Errorf("%w: at most %d clips, got %d", ErrInvalidRequest, MaxCompositionClips, len(r.Clips))
	}
	transition, err := r.Transition()
	if err != nil {
		return err
	}
	// A single clip has no boundary to transition across.
	if transition.Kind != planner.TransitionNone && len(r.Clips) < 2 {
		return fmt.Errorf("%w: transition %q needs at least 2 clips, got %d", planner.ErrInvalidTransition, transition.Kind, len(r.Clips))
	}
	for i, c := range r.Clips {
		if c.SourceRef == "" {
			return fmt.Errorf("%w: clips[%d].source_ref is required", ErrInvalidRequest, i)
		}
		if c.HasSpeed() {
			if err := validateSpeed(c.TargetDurationSeconds, c.SpeedFactor); err != nil {
				return fmt.Errorf("clips[%d]: %w", i, err)
			}
		}
		if c.Zoom != nil {
			if err := c.Zoom.Validate(); err != nil {
				return fmt.Errorf("clips[%d]: %w", i, err)
			}
		}
	}
	return nil
}

type SpeedFitRequest struct {
	SourceRef             string   `json:"source_ref"`
	TargetDurationSeconds *float64 `json:"target_duration_seconds,omitempty"`
	SpeedFactor           *float64 `json:"speed_factor,omitempty"`
}

func (r SpeedFitRequest) PlannerRequest() planner.SpeedRequest {
	return planner.SpeedRequest{TargetDuration: r.TargetDurationSeconds, Speed: r.SpeedFactor}
}

func (r SpeedFitRequest) Validate() error {
	if r.SourceRef == "" {
		return fmt.Errorf("%w: source_ref is required", ErrInvalidRequest)
	}
	return validateSpeed(r.TargetDurationSeconds, r.SpeedFactor)
}

type ZoomRequest struct {
	SourceRef string `json:"source_ref"`
	ZoomParams
}

func (r ZoomRequest) Validate() error {
	if r.SourceRef == "" {
		return fmt.Errorf("%w: source_ref is required", ErrInvalidRequest)
	}
	return r.ZoomParams.Validate()
}

type TrimRequest struct {
	SourceRef       string   `json:"source_ref"`
	StartSeconds    float64  `json:"start_seconds"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
}

func (r TrimRequest) Validate() error {
	if r.SourceRef == "" {
		return fmt.Errorf("%w: source_ref is required", ErrInvalidRequest)
	}
	if r.StartSeconds < 0 {
		return fmt.Errorf("%w: start must be >= 0, got %v", planner.ErrInvalidTrim, r.StartSeconds)
	}
	if r.DurationSeconds != nil && *r.DurationSeconds <= 0 {
		return fmt.Errorf("%w: duration must be > 0, got %v", planner.ErrInvalidTrim, *r.DurationSeconds)
	}
	return nil
}

func validateSpeed(target, speed *float64) error {
	if (target == nil) == (speed == nil) {
		return planner.ErrSpeedControl
	}
	if target != nil && *target <= 0 {
		return fmt.Errorf("%w: target duration must be > 0, got %v", planner.ErrInvalidSpeed, *target)
	}
	if speed != nil && *speed <= 0 {
		return fmt.Errorf("%w: speed factor must be > 0, got %v", planner.ErrInvalidSpeed, *speed)
	}
	return nil
}

// IsValidation reports whether err should be reported to the caller as a
// bad request.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || planner.IsValidation(err)
}

// ---------------------------------------------------------------------------
// DTOs for API responses
// ---------------------------------------------------------------------------

type CreateJobResponse struct {
	JobID  uuid.UUID `json:"job_id"`
	Type   JobType   `json:"type"`
	Status JobStatus `json:"status"`
}

type JobResponse struct {
	ID           uuid.UUID  `json:"id"`
	Type         JobType    `json:"type"`
	Status       JobStatus  `json:"status"`
	ResultURL    *string    `json:"result_url,omitempty"`
	SpeedFactor  *float64   `json:"speed_factor,omitempty"`
	Result       JSONB      `json:"result,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Result keys written by the worker.
const (
	ResultStoragePath      = "storage_path"
	ResultDuration         = "duration_seconds"
	ResultSpeedFactor      = "speed_factor"
	ResultRequestedFactor  = "requested_speed_factor"
	ResultClamped          = "speed_clamped"
	ResultTransition       = "transition_applied"
	ResultClipSpeedFactors = "clip_speed_factors"
	ResultTotalFrames      = "total_frames"
	ResultStartZoom        = "start_zoom"
	ResultEndZoom          = "end_zoom"
	ResultBytes            = "bytes"
)

// NewJobResponse builds the API view of a job.
func NewJobResponse(job *Job) JobResponse {
	resp := JobResponse{
		ID:           job.ID,
		Type:         job.Type,
		Status:       job.Status,
		Result:       job.Result,
		ErrorMessage: job.ErrorMessage,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
		CreatedAt:    job.CreatedAt,
	}
	if f, ok := job.Result[ResultSpeedFactor].(float64); ok {
		resp.SpeedFactor = &f
	}
	return resp
}
