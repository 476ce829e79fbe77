package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bobarin/composer/internal/models"
	"github.com/bobarin/composer/internal/planner"
	"github.com/bobarin/composer/internal/services"
)

// SourceResolver turns a source reference into a local file.
// *storage.Storage implements it.
type SourceResolver interface {
	Resolve(ctx context.Context, ref, dest string) (string, error)
}

// Pipeline takes one request from source references to a rendered file in a
// workspace: resolve, probe, plan, render. It knows nothing about jobs,
// queues or uploads, so the CLI runs it directly.
type Pipeline struct {
	sources  SourceResolver
	prober   Prober
	renderer Renderer
	render   planner.RenderConfig
	codec    services.CodecOptions
}

func NewPipeline(sources SourceResolver, prober Prober, renderer Renderer, render planner.RenderConfig, codec services.CodecOptions) *Pipeline {
	return &Pipeline{
		sources:  sources,
		prober:   prober,
		renderer: renderer,
		render:   render,
		codec:    codec,
	}
}

// Output is a rendered file plus the parameters that were applied.
type Output struct {
	File     *services.RenderResult
	Duration float64      // planned output length in seconds
	Details  models.JSONB // applied parameters, keyed by the models.Result* names
}

// Run executes a request of the given type. raw is the request JSON as
// accepted by the API. The output lands in ws.
func (p *Pipeline) Run(ctx context.Context, ws *services.Workspace, jobType models.JobType, raw json.RawMessage) (*Output, error) {
	switch jobType {
	case models.JobTypeCompose:
		return p.compose(ctx, ws, raw)
	case models.JobTypeSpeedFit:
		return p.speedFit(ctx, ws, raw)
	case models.JobTypeZoom:
		return p.zoom(ctx, ws, raw)
	case models.JobTypeTrim:
		return p.trim(ctx, ws, raw)
	default:
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
}

// ---------------------------------------------------------------------------
// Job types
// ---------------------------------------------------------------------------

type validator interface {
	Validate() error
}

func decodeRequest(raw json.RawMessage, req validator) error {
	if err := json.Unmarshal(raw, req); err != nil {
		return fmt.Errorf("failed to decode request: %w", err)
	}
	return req.Validate()
}

func (p *Pipeline) speedFit(ctx context.Context, ws *services.Workspace, raw json.RawMessage) (*Output, error) {
	var req models.SpeedFitRequest
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}

	clips, err := p.prepareSources(ctx, ws, []string{req.SourceRef})
	if err != nil {
		return nil, err
	}

	plan, err := planner.PlanSpeed(p.render, clips[0], req.PlannerRequest())
	if err != nil {
		return nil, err
	}

	res, err := p.renderPlan(ctx, plan, ws.Path(outputName))
	if err != nil {
		return nil, err
	}

	return &Output{
		File:     res,
		Duration: plan.OutputDuration(),
		Details: models.JSONB{
			models.ResultSpeedFactor:     plan.SpeedFactor,
			models.ResultRequestedFactor: plan.RequestedFactor,
			models.ResultClamped:         plan.Clamped(),
		},
	}, nil
}

func (p *Pipeline) zoom(ctx context.Context, ws *services.Workspace, raw json.RawMessage) (*Output, error) {
	var req models.ZoomRequest
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}

	clips, err := p.prepareSources(ctx, ws, []string{req.SourceRef})
	if err != nil {
		return nil, err
	}

	plan, err := planner.PlanZoom(p.render, clips[0], req.PlannerRequest())
	if err != nil {
		return nil, err
	}

	res, err := p.renderPlan(ctx, plan, ws.Path(outputName))
	if err != nil {
		return nil, err
	}

	return &Output{
		File:     res,
		Duration: plan.Duration(),
		Details: models.JSONB{
			models.ResultTotalFrames: plan.TotalFrames,
			models.ResultStartZoom:   plan.StartZoom,
			models.ResultEndZoom:     plan.EndZoom,
		},
	}, nil
}

func (p *Pipeline) trim(ctx context.Context, ws *services.Workspace, raw json.RawMessage) (*Output, error) {
	var req models.TrimRequest
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}

	clips, err := p.prepareSources(ctx, ws, []string{req.SourceRef})
	if err != nil {
		return nil, err
	}

	plan, err := planner.PlanTrim(p.render, clips[0], req.StartSeconds, req.DurationSeconds)
	if err != nil {
		return nil, err
	}

	res, err := p.renderPlan(ctx, plan, ws.Path(outputName))
	if err != nil {
		return nil, err
	}

	return &Output{File: res, Duration: plan.Duration, Details: models.JSONB{}}, nil
}

// compose renders per-clip speed and zoom intents to intermediate files,
// then joins everything in one concat render.
func (p *Pipeline) compose(ctx context.Context, ws *services.Workspace, raw json.RawMessage) (*Output, error) {
	var req models.CreateCompositionRequest
	if err := decodeRequest(raw, &req); err != nil {
		return nil, err
	}
	transition, err := req.Transition()
	if err != nil {
		return nil, err
	}

	refs := make([]string, len(req.Clips))
	for i, c := range req.Clips {
		refs[i] = c.SourceRef
	}
	clips, err := p.prepareSources(ctx, ws, refs)
	if err != nil {
		return nil, err
	}

	speeds := make([]float64, len(clips))
	var prepared []int
	for i, c := range req.Clips {
		speeds[i] = 1
		if !c.HasSpeed() && c.Zoom == nil {
			continue
		}
		clip, factor, err := p.applyClipIntents(ctx, ws, i, clips[i], c)
		if err != nil {
			return nil, fmt.Errorf("clip %d: %w", i, err)
		}
		clips[i], speeds[i] = clip, factor
		prepared = append(prepared, i)
	}

	if len(prepared) > 0 {
		p.reprobe(ctx, clips, prepared)
	}

	plan, err := planner.PlanConcat(p.render, clips, transition)
	if err != nil {
		return nil, err
	}

	res, err := p.renderPlan(ctx, plan, ws.Path(outputName))
	if err != nil {
		return nil, err
	}

	return &Output{
		File:     res,
		Duration: plan.Duration(),
		Details: models.JSONB{
			models.ResultTransition:       string(plan.Transition.Kind),
			models.ResultClipSpeedFactors: speeds,
		},
	}, nil
}

// applyClipIntents renders a clip's speed change and then its zoom into the
// workspace. It returns the descriptor of the last intermediate as planned
// and the applied speed factor (1 when unchanged).
func (p *Pipeline) applyClipIntents(ctx context.Context, ws *services.Workspace, index int, clip planner.ClipDescriptor, c models.CompositionClip) (planner.ClipDescriptor, float64, error) {
	factor := 1.0

	if c.HasSpeed() {
		plan, err := planner.PlanSpeed(p.render, clip, planner.SpeedRequest{
			TargetDuration: c.TargetDurationSeconds,
			Speed:          c.SpeedFactor,
		})
		if err != nil {
			return clip, 0, err
		}
		out := ws.Path(fmt.Sprintf("clip-%03d-speed.mp4", index))
		if _, err := p.renderPlan(ctx, plan, out); err != nil {
			return clip, 0, err
		}
		factor = plan.SpeedFactor
		clip.Path = out
		clip.Duration = plan.OutputDuration()
		clip.HasAudio = true
	}

	if c.Zoom != nil {
		plan, err := planner.PlanZoom(p.render, clip, c.Zoom.PlannerRequest())
		if err != nil {
			return clip, 0, err
		}
		out := ws.Path(fmt.Sprintf("clip-%03d-zoom.mp4", index))
		if _, err := p.renderPlan(ctx, plan, out); err != nil {
			return clip, 0, err
		}
		clip.Path = out
		clip.Width, clip.Height, clip.FPS = plan.OutWidth, plan.OutHeight, plan.FPS
		clip.HasAudio = true
	}

	return clip, factor, nil
}

// reprobe refreshes intermediates from disk. A probe that comes back without
// a duration keeps the planned descriptor.
func (p *Pipeline) reprobe(ctx context.Context, clips []planner.ClipDescriptor, indexes []int) {
	paths := make([]string, len(indexes))
	for i, idx := range indexes {
		paths[i] = clips[idx].Path
	}
	for i, probed := range p.prober.ProbeAll(ctx, paths) {
		if probed.Duration > 0 {
			clips[indexes[i]] = probed
		}
	}
}

// ---------------------------------------------------------------------------
// Sources and rendering
// ---------------------------------------------------------------------------

// prepareSources resolves every reference to a local file and probes them.
// Each descriptor's Path is the local file the planners read.
func (p *Pipeline) prepareSources(ctx context.Context, ws *services.Workspace, refs []string) ([]planner.ClipDescriptor, error) {
	paths, err := p.resolveSources(ctx, ws, refs)
	if err != nil {
		return nil, err
	}
	return p.prober.ProbeAll(ctx, paths), nil
}

// resolveSources downloads remote references concurrently. The first
// failure cancels the remaining downloads.
func (p *Pipeline) resolveSources(ctx context.Context, ws *services.Workspace, refs []string) ([]string, error) {
	paths := make([]string, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxDownloads)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			dest := ws.Path(fmt.Sprintf("source-%03d%s", i, sourceExt(ref)))
			local, err := p.sources.Resolve(gctx, ref, dest)
			if err != nil {
				return fmt.Errorf("failed to resolve clip %d (%s): %w", i, ref, err)
			}
			paths[i] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (p *Pipeline) renderPlan(ctx context.Context, plan services.Plan, output string) (*services.RenderResult, error) {
	return p.renderer.Render(ctx, services.NewRenderSpec(plan, p.codec, output))
}

// sourceExt keeps the container extension of a reference so ffmpeg can
// sniff it; anything odd becomes .mp4.
func sourceExt(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	ext := strings.ToLower(path.Ext(ref))
	if len(ext) < 2 || len(ext) > 5 {
		return ".mp4"
	}
	return ext
}
