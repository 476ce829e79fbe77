package planner

import (
	"fmt"
	"log"
	"math"
	"strings"
)

// Speed bounds. The whole-clip factor is clamped to [MinSpeedFactor,
// MaxSpeedFactor]; each atempo stage must stay within [MinTempoStage,
// MaxTempoStage].
const (
	MinSpeedFactor = 0.25
	MaxSpeedFactor = 4.0
	MinTempoStage  = 0.5
	MaxTempoStage  = 2.0
)

// SpeedRequest selects the speed either from a target output duration or
// from an explicit multiplier. Exactly one must be set.
type SpeedRequest struct {
	TargetDuration *float64
	Speed          *float64
}

// SpeedPlan retimes one clip without changing audio pitch.
type SpeedPlan struct {
	Clip             ClipDescriptor
	OriginalDuration float64
	RequestedFactor  float64 // before clamping
	SpeedFactor      float64 // applied, within [MinSpeedFactor, MaxSpeedFactor]
	VideoFilter      string
	AudioStages      []float64
	SilentAudio      bool

	Streams
}

// Clamped reports whether the requested factor was out of bounds.
func (p *SpeedPlan) Clamped() bool {
	return p.RequestedFactor != p.SpeedFactor
}

// OutputDuration is the expected length after retiming.
func (p *SpeedPlan) OutputDuration() float64 {
	return p.OriginalDuration / p.SpeedFactor
}

// AudioFilterChain renders the tempo stages, e.g. "atempo=2,atempo=1.666667".
func (p *SpeedPlan) AudioFilterChain() string {
	parts := make([]string, len(p.AudioStages))
	for i, f := range p.AudioStages {
		parts[i] = tempoFilter(f).String()
	}
	return strings.Join(parts, ",")
}

// ClampSpeed limits a factor to [MinSpeedFactor, MaxSpeedFactor].
func ClampSpeed(factor float64) float64 {
	return math.Max(MinSpeedFactor, math.Min(MaxSpeedFactor, factor))
}

// DecomposeTempo splits a speed factor into atempo stages that each lie in
// [MinTempoStage, MaxTempoStage] and whose product is the factor.
// Factors <= 0 yield no stages.
func DecomposeTempo(factor float64) []float64 {
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return nil
	}
	var stages []float64
	remaining := factor
	for remaining > MaxTempoStage {
		stages = append(stages, MaxTempoStage)
		remaining /= MaxTempoStage
	}
	for remaining < MinTempoStage {
		stages = append(stages, MinTempoStage)
		remaining /= MinTempoStage
	}
	return append(stages, remaining)
}

// PlanSpeed retimes a clip to a target duration or by an explicit factor.
// Out-of-range factors are clamped; the applied factor is on the returned
// plan.
func PlanSpeed(cfg RenderConfig, clip ClipDescriptor, req SpeedRequest) (*SpeedPlan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var requested float64
	switch {
	case req.TargetDuration != nil && req.Speed != nil, req.TargetDuration == nil && req.Speed == nil:
		return nil, ErrSpeedControl
	case req.TargetDuration != nil:
		target := *req.TargetDuration
		if !positiveFinite(target) {
			return nil, fmt.Errorf("%w: target duration must be > 0, got %v", ErrInvalidSpeed, target)
		}
		requested = clip.Duration / target
	default:
		requested = *req.Speed
		if !positiveFinite(requested) {
			return nil, fmt.Errorf("%w: speed factor must be > 0, got %v", ErrInvalidSpeed, requested)
		}
	}

	factor := ClampSpeed(requested)
	if factor != requested {
		log.Printf("[Planner] Speed factor %.4f clamped to %.4f for %s", requested, factor, clip.Path)
	}

	plan := &SpeedPlan{
		Clip:             clip,
		OriginalDuration: clip.Duration,
		RequestedFactor:  requested,
		SpeedFactor:      factor,
		AudioStages:      DecomposeTempo(factor),
		SilentAudio:      !clip.HasAudio,
		Streams:          Streams{Graph: NewGraph()},
	}

	setpts := NewFilter("setpts", "", "PTS/"+formatFloat(factor))
	plan.VideoFilter = setpts.String()

	video, err := fileStream(plan.Graph, clip.Path, KindVideo)
	if err != nil {
		return nil, err
	}
	if plan.VideoOut, err = plan.Graph.Apply(video, setpts); err != nil {
		return nil, err
	}

	if plan.SilentAudio {
		plan.AudioOut, err = silentTrack(plan.Graph, cfg, plan.OutputDuration())
	} else {
		var audio Pad
		if audio, err = fileStream(plan.Graph, clip.Path, KindAudio); err != nil {
			return nil, err
		}
		stages := make([]Filter, 0, len(plan.AudioStages)+1)
		for _, f := range plan.AudioStages {
			stages = append(stages, tempoFilter(f))
		}
		stages = append(stages, NewFilter("asetpts", "", "PTS-STARTPTS"))
		plan.AudioOut, err = plan.Graph.Apply(audio, stages...)
	}
	if err != nil {
		return nil, err
	}

	return plan, nil
}

func tempoFilter(f float64) Filter {
	return NewFilter("atempo", "", formatFloat(f))
}

func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
