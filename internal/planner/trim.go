package planner

import (
	"fmt"
	"math"
)

// TrimPlan cuts a section out of one clip.
type TrimPlan struct {
	Clip        ClipDescriptor
	Start       float64
	Duration    float64 // 0 means "to the end of an unprobed clip"
	SilentAudio bool

	Streams
}

// PlanTrim keeps [start, start+duration) of the clip. A nil duration keeps
// everything after start. When the clip duration is known, a start at or
// past the end is rejected here rather than producing an empty file later.
func PlanTrim(cfg RenderConfig, clip ClipDescriptor, start float64, duration *float64) (*TrimPlan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if start < 0 || math.IsNaN(start) || math.IsInf(start, 0) {
		return nil, fmt.Errorf("%w: start must be >= 0, got %v", ErrInvalidTrim, start)
	}
	if clip.Duration > 0 && start >= clip.Duration {
		return nil, fmt.Errorf("%w: start %.3fs is past the end of a %.3fs clip", ErrInvalidTrim, start, clip.Duration)
	}

	length := 0.0
	if clip.Duration > 0 {
		length = clip.Duration - start
	}
	if duration != nil {
		if !positiveFinite(*duration) {
			return nil, fmt.Errorf("%w: duration must be > 0, got %v", ErrInvalidTrim, *duration)
		}
		if length == 0 || *duration < length {
			length = *duration
		}
	}

	plan := &TrimPlan{
		Clip:        clip,
		Start:       start,
		Duration:    length,
		SilentAudio: !clip.HasAudio,
		Streams:     Streams{Graph: NewGraph()},
	}

	video, err := fileStream(plan.Graph, clip.Path, KindVideo)
	if err != nil {
		return nil, err
	}
	plan.VideoOut, err = plan.Graph.Apply(video,
		trimFilter("trim", start, length),
		NewFilter("setpts", "", "PTS-STARTPTS"),
	)
	if err != nil {
		return nil, err
	}

	if plan.SilentAudio {
		plan.AudioOut, err = silentTrack(plan.Graph, cfg, length)
	} else {
		var audio Pad
		if audio, err = fileStream(plan.Graph, clip.Path, KindAudio); err != nil {
			return nil, err
		}
		plan.AudioOut, err = plan.Graph.Apply(audio,
			trimFilter("atrim", start, length),
			NewFilter("asetpts", "", "PTS-STARTPTS"),
		)
	}
	if err != nil {
		return nil, err
	}

	return plan, nil
}

func trimFilter(name string, start, length float64) Filter {
	f := NewFilter(name, "start", formatFloat(start))
	if length > 0 {
		f.Options = append(f.Options, Option{Key: "duration", Value: formatFloat(length)})
	}
	return f
}
