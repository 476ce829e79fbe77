package planner

import (
	"fmt"
	"math"
	"strconv"
)

// Zoom magnification bounds.
const (
	MinZoom = 1.0
	MaxZoom = 3.0
)

// ZoomDirection picks default start/end magnifications.
type ZoomDirection string

const (
	ZoomIn  ZoomDirection = "in"
	ZoomOut ZoomDirection = "out"
)

// Default magnifications when only a direction is given.
const (
	defaultZoomLow  = 1.0
	defaultZoomHigh = 1.5
)

// ZoomRequest describes a Ken Burns move over the whole clip. StartZoom and
// EndZoom override the direction defaults; OutWidth/OutHeight default to the
// canvas.
type ZoomRequest struct {
	Direction ZoomDirection
	StartZoom *float64
	EndZoom   *float64
	CenterX   float64
	CenterY   float64
	OutWidth  int
	OutHeight int
}

// ZoomPlan is a continuous pan/zoom keeping (CenterX, CenterY) fixed.
type ZoomPlan struct {
	Clip          ClipDescriptor
	StartZoom     float64
	EndZoom       float64
	CenterX       float64
	CenterY       float64
	FPS           int
	TotalFrames   int
	OutWidth      int
	OutHeight     int
	UpscaleFactor int
	SilentAudio   bool

	Streams
}

// ZoomAt returns the magnification at output frame f, interpolated linearly
// from StartZoom at frame 0 to EndZoom at TotalFrames.
func (p *ZoomPlan) ZoomAt(f int) float64 {
	if f <= 0 {
		return p.StartZoom
	}
	if f >= p.TotalFrames {
		return p.EndZoom
	}
	return p.StartZoom + (p.EndZoom-p.StartZoom)*float64(f)/float64(p.TotalFrames)
}

// OriginAt returns the top-left corner of the visible window at frame f as
// a fraction of the full frame.
func (p *ZoomPlan) OriginAt(f int) (x, y float64) {
	shrink := 1 - 1/p.ZoomAt(f)
	return shrink * p.CenterX, shrink * p.CenterY
}

// ZoomExpr is the zoompan z expression, parameterized by output frame "on".
func (p *ZoomPlan) ZoomExpr() string {
	return fmt.Sprintf("%s+(%s)*on/%d",
		formatFloat(p.StartZoom), formatFloat(p.EndZoom-p.StartZoom), p.TotalFrames)
}

// XExpr is the zoompan x expression in pixels of the upscaled frame.
func (p *ZoomPlan) XExpr() string {
	return fmt.Sprintf("(iw-iw/zoom)*%s", formatFloat(p.CenterX))
}

// YExpr is the zoompan y expression in pixels of the upscaled frame.
func (p *ZoomPlan) YExpr() string {
	return fmt.Sprintf("(ih-ih/zoom)*%s", formatFloat(p.CenterY))
}

// Duration returns the clip length covered by the move.
func (p *ZoomPlan) Duration() float64 {
	return p.Clip.Duration
}

// ResolveZoom applies direction defaults and bounds checks.
func (r ZoomRequest) ResolveZoom() (start, end float64, err error) {
	switch r.Direction {
	case ZoomIn, "":
		start, end = defaultZoomLow, defaultZoomHigh
	case ZoomOut:
		start, end = defaultZoomHigh, defaultZoomLow
	default:
		return 0, 0, fmt.Errorf("%w: unknown direction %q", ErrInvalidZoom, r.Direction)
	}
	if r.StartZoom != nil {
		start = *r.StartZoom
	}
	if r.EndZoom != nil {
		end = *r.EndZoom
	}
	for _, z := range []float64{start, end} {
		if math.IsNaN(z) || z < MinZoom || z > MaxZoom {
			return 0, 0, fmt.Errorf("%w: zoom %v outside [%v, %v]", ErrInvalidZoom, z, MinZoom, MaxZoom)
		}
	}
	return start, end, nil
}

// PlanZoom builds a Ken Burns move. The frame is first upsampled by
// cfg.UpscaleFactor with lanczos so the per-frame crop has sub-pixel
// headroom, then zoompan crops at the inflated size and resamples down to
// the output size.
func PlanZoom(cfg RenderConfig, clip ClipDescriptor, req ZoomRequest) (*ZoomPlan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	start, end, err := req.ResolveZoom()
	if err != nil {
		return nil, err
	}
	for _, c := range []float64{req.CenterX, req.CenterY} {
		if math.IsNaN(c) || c < 0 || c > 1 {
			return nil, fmt.Errorf("%w: center %v outside [0, 1]", ErrInvalidZoom, c)
		}
	}

	outW, outH := req.OutWidth, req.OutHeight
	if outW == 0 {
		outW = cfg.Width
	}
	if outH == 0 {
		outH = cfg.Height
	}
	if outW < 0 || outH < 0 || outW%2 != 0 || outH%2 != 0 {
		return nil, fmt.Errorf("%w: output size %dx%d must be positive and even", ErrInvalidZoom, outW, outH)
	}

	fps := clip.frameRate(cfg)
	frames := int(math.Ceil(clip.Duration * float64(fps)))
	if frames < 1 {
		frames = 1
	}

	plan := &ZoomPlan{
		Clip:          clip,
		StartZoom:     start,
		EndZoom:       end,
		CenterX:       req.CenterX,
		CenterY:       req.CenterY,
		FPS:           fps,
		TotalFrames:   frames,
		OutWidth:      outW,
		OutHeight:     outH,
		UpscaleFactor: cfg.UpscaleFactor,
		SilentAudio:   !clip.HasAudio,
		Streams:       Streams{Graph: NewGraph()},
	}

	up := strconv.Itoa(plan.UpscaleFactor)
	video := []Filter{
		NewFilter("scale", "w", "iw*"+up, "h", "ih*"+up, "flags", "lanczos"),
		NewFilter("zoompan",
			"z", plan.ZoomExpr(),
			"x", plan.XExpr(),
			"y", plan.YExpr(),
			"d", "1",
			"s", fmt.Sprintf("%dx%d", outW, outH),
			"fps", strconv.Itoa(fps),
		),
		NewFilter("setsar", "", "1"),
	}
	in, err := fileStream(plan.Graph, clip.Path, KindVideo)
	if err != nil {
		return nil, err
	}
	if plan.VideoOut, err = plan.Graph.Apply(in, video...); err != nil {
		return nil, err
	}

	if plan.SilentAudio {
		plan.AudioOut, err = silentTrack(plan.Graph, cfg, clip.Duration)
	} else {
		var audio Pad
		if audio, err = fileStream(plan.Graph, clip.Path, KindAudio); err != nil {
			return nil, err
		}
		plan.AudioOut, err = plan.Graph.Apply(audio, NewFilter("asetpts", "", "PTS-STARTPTS"))
	}
	if err != nil {
		return nil, err
	}

	return plan, nil
}
