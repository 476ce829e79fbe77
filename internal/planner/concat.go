package planner

import (
	"fmt"
	"log"
	"math"
	"strconv"
)

// TransitionKind names the transition requested between adjacent clips.
type TransitionKind string

const (
	TransitionNone      TransitionKind = "none"
	TransitionFade      TransitionKind = "fade"
	TransitionCrossfade TransitionKind = "crossfade"
	TransitionWipeLeft  TransitionKind = "wipe-left"
	TransitionWipeRight TransitionKind = "wipe-right"
	TransitionSlideUp   TransitionKind = "slide-up"
	TransitionSlideDown TransitionKind = "slide-down"
)

var transitionKinds = map[TransitionKind]bool{
	TransitionNone:      true,
	TransitionFade:      true,
	TransitionCrossfade: true,
	TransitionWipeLeft:  true,
	TransitionWipeRight: true,
	TransitionSlideUp:   true,
	TransitionSlideDown: true,
}

// ParseTransitionKind accepts any declared kind; an empty string means none.
func ParseTransitionKind(s string) (TransitionKind, error) {
	if s == "" {
		return TransitionNone, nil
	}
	k := TransitionKind(s)
	if !transitionKinds[k] {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTransition, s)
	}
	return k, nil
}

// Blend returns the kind that is actually rendered. Every kind other than
// none is realized as a fade through black/silence; wipe and slide kinds are
// accepted on the wire but render identically to fade.
func (k TransitionKind) Blend() TransitionKind {
	if k == TransitionNone || k == "" {
		return TransitionNone
	}
	return TransitionFade
}

// TransitionSpec is the transition applied at every clip boundary.
type TransitionSpec struct {
	Kind     TransitionKind `json:"kind"`
	Duration float64        `json:"duration"`
}

// Validate checks the kind and, for anything but none, that the duration is
// a positive finite number of seconds.
func (t TransitionSpec) Validate() error {
	if t.Kind == "" || t.Kind == TransitionNone {
		return nil
	}
	if !transitionKinds[t.Kind] {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTransition, t.Kind)
	}
	if t.Duration <= 0 || math.IsNaN(t.Duration) || math.IsInf(t.Duration, 0) {
		return fmt.Errorf("%w: duration must be > 0, got %v", ErrInvalidTransition, t.Duration)
	}
	return nil
}

// FadeWindow is a fade in clip-local seconds.
type FadeWindow struct {
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// End returns Start+Duration.
func (w FadeWindow) End() float64 {
	return w.Start + w.Duration
}

// IsZero reports whether the window applies no fade.
func (w FadeWindow) IsZero() bool {
	return w.Duration <= 0
}

// Segment is one normalized clip in a composition.
type Segment struct {
	Index       int
	Clip        ClipDescriptor
	Video       Pad
	Audio       Pad
	FadeIn      FadeWindow
	FadeOut     FadeWindow
	SilentAudio bool // audio was synthesized because the clip has none
}

// Length is how long the segment plays: the probed clip duration, pinned in
// the graph with trim/atrim. Zero means unknown, and the segment runs to the
// end of its source.
func (s Segment) Length() float64 {
	return s.Clip.Duration
}

// ConcatDirective is the terminal node joining every segment in order.
type ConcatDirective struct {
	Inputs   []Pad
	VideoOut Pad
	AudioOut Pad
}

// N returns the number of segments joined.
func (d ConcatDirective) N() int {
	return len(d.Inputs) / 2
}

// CompositionPlan joins clips into a single timeline.
type CompositionPlan struct {
	Requested  TransitionSpec // as asked for
	Transition TransitionSpec // as rendered (none when fallen back)
	Segments   []Segment
	Concat     ConcatDirective
	Streams
}

// Duration is the planned output length: the sum of segment lengths, in
// both transition and no-transition mode.
func (p *CompositionPlan) Duration() float64 {
	total := 0.0
	for _, s := range p.Segments {
		total += s.Length()
	}
	return total
}

// VideoLabels returns each segment's video pad in order.
func (p *CompositionPlan) VideoLabels() []Pad {
	out := make([]Pad, len(p.Segments))
	for i, s := range p.Segments {
		out[i] = s.Video
	}
	return out
}

// AudioLabels returns each segment's audio pad in order.
func (p *CompositionPlan) AudioLabels() []Pad {
	out := make([]Pad, len(p.Segments))
	for i, s := range p.Segments {
		out[i] = s.Audio
	}
	return out
}

// PlanConcat builds a composition of clips in order.
//
// Every clip is normalized to the canvas (scale to fit, pad, fps, pixel
// format, SAR 1:1) and to the audio format, and cut to its probed duration;
// clips without audio get synthesized silence of their own duration. With a
// transition, each clip fades in and out over half the transition duration
// (no fade-in on the first clip, no fade-out on the last) and clips are
// butted end to end, so the total duration is the same as without
// transitions.
func PlanConcat(cfg RenderConfig, clips []ClipDescriptor, transition TransitionSpec) (*CompositionPlan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(clips) == 0 {
		return nil, ErrNoClips
	}
	if err := transition.Validate(); err != nil {
		return nil, err
	}

	applied := TransitionSpec{Kind: transition.Kind.Blend(), Duration: transition.Duration}
	if applied.Kind == TransitionNone || len(clips) < 2 {
		applied = TransitionSpec{Kind: TransitionNone}
	}
	if transition.Kind != applied.Kind && applied.Kind != TransitionNone {
		log.Printf("[Planner] Transition %q renders as %q", transition.Kind, applied.Kind)
	}

	plan := &CompositionPlan{
		Requested:  transition,
		Transition: applied,
		Segments:   make([]Segment, len(clips)),
		Streams:    Streams{Graph: NewGraph()},
	}

	videoIn, audioIn, err := segmentSources(plan.Graph, cfg, clips)
	if err != nil {
		return nil, err
	}

	pairs := make([][2]Pad, len(clips))
	for i, clip := range clips {
		seg := Segment{Index: i, Clip: clip, SilentAudio: !clip.HasAudio}
		if applied.Kind != TransitionNone {
			seg.FadeIn, seg.FadeOut = fadeWindows(i, len(clips), clip.Duration, applied.Duration/2)
		}

		video, err := plan.Graph.Apply(videoIn[i], segmentVideo(cfg, seg)...)
		if err != nil {
			return nil, fmt.Errorf("clip %d video: %w", i, err)
		}
		audio, err := plan.Graph.Apply(audioIn[i], segmentAudio(cfg, seg)...)
		if err != nil {
			return nil, fmt.Errorf("clip %d audio: %w", i, err)
		}

		seg.Video, seg.Audio = video, audio
		plan.Segments[i] = seg
		pairs[i] = [2]Pad{video, audio}
	}

	vout, aout, err := plan.Graph.Concat(pairs)
	if err != nil {
		return nil, err
	}
	plan.VideoOut, plan.AudioOut = vout, aout
	plan.Concat = ConcatDirective{VideoOut: vout, AudioOut: aout}
	for _, pair := range pairs {
		plan.Concat.Inputs = append(plan.Concat.Inputs, pair[0], pair[1])
	}

	return plan, nil
}

// segmentSources hands every clip its own video and audio branch. A file
// listed more than once is read once and split; every silent clip draws
// from one shared anullsrc input.
func segmentSources(g *Graph, cfg RenderConfig, clips []ClipDescriptor) (video, audio []Pad, err error) {
	var order []string
	videoUses := make(map[string][]int)
	audioUses := make(map[string][]int)
	var silent []int
	for i, c := range clips {
		if _, seen := videoUses[c.Path]; !seen {
			order = append(order, c.Path)
		}
		videoUses[c.Path] = append(videoUses[c.Path], i)
		if c.HasAudio {
			audioUses[c.Path] = append(audioUses[c.Path], i)
		} else {
			silent = append(silent, i)
		}
	}

	video = make([]Pad, len(clips))
	audio = make([]Pad, len(clips))
	assign := func(dst []Pad, idx []int, pads []Pad) {
		for j, i := range idx {
			dst[i] = pads[j]
		}
	}

	for _, path := range order {
		idx := videoUses[path]
		pads, err := g.Input(path, KindVideo, len(idx))
		if err != nil {
			return nil, nil, err
		}
		assign(video, idx, pads)

		if idx := audioUses[path]; len(idx) > 0 {
			pads, err := g.Input(path, KindAudio, len(idx))
			if err != nil {
				return nil, nil, err
			}
			assign(audio, idx, pads)
		}
	}
	if len(silent) > 0 {
		pads, err := g.Silence(cfg, len(silent))
		if err != nil {
			return nil, nil, err
		}
		assign(audio, silent, pads)
	}
	return video, audio, nil
}

// fadeWindows computes the fade-in and fade-out for clip i of n. The half
// window is clamped so the two fades never overlap and never exceed the
// clip.
func fadeWindows(i, n int, clipDuration, half float64) (in, out FadeWindow) {
	hasIn := i > 0
	hasOut := i < n-1
	if clipDuration <= 0 || half <= 0 || (!hasIn && !hasOut) {
		return FadeWindow{}, FadeWindow{}
	}

	limit := clipDuration
	if hasIn && hasOut {
		limit = clipDuration / 2
	}
	w := half
	if w > limit {
		log.Printf("[Planner] Clip %d: fade window %.3fs clamped to %.3fs (clip is %.3fs)", i, half, limit, clipDuration)
		w = limit
	}

	if hasIn {
		in = FadeWindow{Start: 0, Duration: w}
	}
	if hasOut {
		out = FadeWindow{Start: clipDuration - w, Duration: w}
	}
	return in, out
}

func segmentVideo(cfg RenderConfig, seg Segment) []Filter {
	filters := normalizeVideo(cfg)
	if d := seg.Length(); d > 0 {
		filters = append(filters, NewFilter("trim", "duration", formatFloat(d)))
	}
	if !seg.FadeIn.IsZero() {
		filters = append(filters, fadeFilter("fade", "in", seg.FadeIn))
	}
	if !seg.FadeOut.IsZero() {
		filters = append(filters, fadeFilter("fade", "out", seg.FadeOut))
	}
	return filters
}

// segmentAudio pads short audio with silence and cuts long audio, so the
// segment's audio runs exactly as long as its video.
func segmentAudio(cfg RenderConfig, seg Segment) []Filter {
	var filters []Filter
	switch {
	case seg.SilentAudio:
		filters = silence(cfg, seg.Length())
	case seg.Length() > 0:
		filters = append(normalizeAudio(cfg),
			NewFilter("apad"),
			NewFilter("atrim", "duration", formatFloat(seg.Length())),
		)
	default:
		filters = normalizeAudio(cfg)
	}
	if !seg.FadeIn.IsZero() {
		filters = append(filters, fadeFilter("afade", "in", seg.FadeIn))
	}
	if !seg.FadeOut.IsZero() {
		filters = append(filters, fadeFilter("afade", "out", seg.FadeOut))
	}
	return filters
}

// normalizeVideo fits any source into the canvas: scale preserving aspect,
// pad centered, constant frame rate, fixed pixel format, square pixels.
func normalizeVideo(cfg RenderConfig) []Filter {
	w, h := strconv.Itoa(cfg.Width), strconv.Itoa(cfg.Height)
	return []Filter{
		NewFilter("scale", "w", w, "h", h, "force_original_aspect_ratio", "decrease", "flags", "lanczos"),
		NewFilter("pad", "w", w, "h", h, "x", "(ow-iw)/2", "y", "(oh-ih)/2", "color", "black"),
		NewFilter("fps", "", strconv.Itoa(cfg.FPS)),
		NewFilter("format", "", cfg.PixelFormat),
		NewFilter("setsar", "", "1"),
		NewFilter("setpts", "", "PTS-STARTPTS"),
	}
}

func normalizeAudio(cfg RenderConfig) []Filter {
	return []Filter{
		audioFormat(cfg),
		NewFilter("asetpts", "", "PTS-STARTPTS"),
	}
}

func audioFormat(cfg RenderConfig) Filter {
	return NewFilter("aformat",
		"sample_fmts", cfg.SampleFormat,
		"sample_rates", strconv.Itoa(cfg.SampleRate),
		"channel_layouts", cfg.ChannelLayout,
	)
}

// minSilence keeps a zero-length (unprobed) clip from reading an unbounded
// anullsrc branch.
const minSilence = 0.001

// silence cuts a branch of Graph.Silence to the given length in the canvas
// audio format.
func silence(cfg RenderConfig, duration float64) []Filter {
	if duration < minSilence {
		duration = minSilence
	}
	return []Filter{
		NewFilter("atrim", "duration", formatFloat(duration)),
		audioFormat(cfg),
		NewFilter("asetpts", "", "PTS-STARTPTS"),
	}
}

// silentTrack returns one bounded silent pad.
func silentTrack(g *Graph, cfg RenderConfig, duration float64) (Pad, error) {
	pads, err := g.Silence(cfg, 1)
	if err != nil {
		return Pad{}, err
	}
	return g.Apply(pads[0], silence(cfg, duration)...)
}

// fileStream returns the single pad reading one stream of path.
func fileStream(g *Graph, path string, kind StreamKind) (Pad, error) {
	pads, err := g.Input(path, kind, 1)
	if err != nil {
		return Pad{}, err
	}
	return pads[0], nil
}

func fadeFilter(name, direction string, w FadeWindow) Filter {
	return NewFilter(name,
		"t", direction,
		"st", formatFloat(w.Start),
		"d", formatFloat(w.Duration),
	)
}
