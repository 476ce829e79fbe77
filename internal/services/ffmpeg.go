package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/bobarin/composer/internal/planner"
)

// ---------------------------------------------------------------------------
// Codec options
// ---------------------------------------------------------------------------

// CodecOptions are the encoder settings applied to every render.
type CodecOptions struct {
	VideoCodec   string // e.g. "libx264"
	Preset       string // encoder speed/quality preset
	CRF          int    // constant rate factor; lower is better quality
	PixelFormat  string
	AudioCodec   string
	AudioBitrate string // e.g. "192k"
	FastStart    bool   // move the moov atom to the front for progressive playback
}

// DefaultCodecOptions returns H.264 at CRF 20 with 192k AAC and fast start.
func DefaultCodecOptions() CodecOptions {
	return CodecOptions{
		VideoCodec:   "libx264",
		Preset:       "veryfast",
		CRF:          20,
		PixelFormat:  "yuv420p",
		AudioCodec:   "aac",
		AudioBitrate: "192k",
		FastStart:    true,
	}
}

// kwargs are the output options in ffmpeg-go form.
func (c CodecOptions) kwargs() ffmpeg.KwArgs {
	kw := ffmpeg.KwArgs{}
	if c.VideoCodec != "" {
		kw["c:v"] = c.VideoCodec
	}
	if c.Preset != "" {
		kw["preset"] = c.Preset
	}
	if c.CRF > 0 {
		kw["crf"] = c.CRF
	}
	if c.PixelFormat != "" {
		kw["pix_fmt"] = c.PixelFormat
	}
	if c.AudioCodec != "" {
		kw["c:a"] = c.AudioCodec
	}
	if c.AudioBitrate != "" {
		kw["b:a"] = c.AudioBitrate
	}
	if c.FastStart {
		kw["movflags"] = "+faststart"
	}
	return kw
}

// ---------------------------------------------------------------------------
// Render spec
// ---------------------------------------------------------------------------

// Plan is anything the planners produce: the files it reads and a graph that
// compiles to ffmpeg arguments for a given output.
type Plan interface {
	Inputs() []string
	Args(output string, kwargs ffmpeg.KwArgs) ([]string, error)
	FilterGraph() string
}

// RenderSpec is one complete ffmpeg invocation.
type RenderSpec struct {
	Plan   Plan
	Codec  CodecOptions
	Output string
}

// ErrInvalidRenderSpec is returned before ffmpeg is started.
var ErrInvalidRenderSpec = errors.New("invalid render spec")

// NewRenderSpec pairs a plan with its encoder settings and output.
func NewRenderSpec(plan Plan, codec CodecOptions, output string) RenderSpec {
	return RenderSpec{Plan: plan, Codec: codec, Output: output}
}

// Inputs returns the files the render reads.
func (s RenderSpec) Inputs() []string {
	if s.Plan == nil {
		return nil
	}
	return s.Plan.Inputs()
}

// FilterGraph returns the -filter_complex text.
func (s RenderSpec) FilterGraph() string {
	if s.Plan == nil {
		return ""
	}
	return s.Plan.FilterGraph()
}

// Validate checks the render spec has everything ffmpeg needs.
func (s RenderSpec) Validate() error {
	switch {
	case s.Plan == nil:
		return fmt.Errorf("%w: no plan", ErrInvalidRenderSpec)
	case s.Output == "":
		return fmt.Errorf("%w: no output path", ErrInvalidRenderSpec)
	}
	inputs := s.Plan.Inputs()
	if len(inputs) == 0 {
		return fmt.Errorf("%w: no inputs", ErrInvalidRenderSpec)
	}
	for i, in := range inputs {
		if in == "" {
			return fmt.Errorf("%w: input %d is empty", ErrInvalidRenderSpec, i)
		}
	}
	return nil
}

// BuildArgs returns the ffmpeg argument list for s.
func BuildArgs(s RenderSpec) ([]string, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	out, err := s.Plan.Args(s.Output, s.Codec.kwargs())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRenderSpec, err)
	}
	return append([]string{"-hide_banner", "-nostdin"}, out...), nil
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ErrEmptyOutput means ffmpeg exited cleanly but wrote nothing usable, e.g. a
// trim that starts after the end of the source.
var ErrEmptyOutput = errors.New("ffmpeg produced an empty output")

// maxStderr bounds how much ffmpeg diagnostic text an ExecError keeps.
const maxStderr = 8 << 10

// ExecError is a failed ffmpeg run with its diagnostic output.
type ExecError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("ffmpeg failed: %v", e.Err)
	if e.Stderr != "" {
		msg += ": " + lastLine(e.Stderr)
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	ffmpegPath string
	runner     Runner
}

// RenderResult describes a finished output file.
type RenderResult struct {
	Output  string
	Bytes   int64
	Elapsed time.Duration
}

func NewFFmpegService(ffmpegPath string, runner Runner) *FFmpegService {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if runner == nil {
		runner = CmdRunner{}
	}
	return &FFmpegService{
		ffmpegPath: ffmpegPath,
		runner:     runner,
	}
}

// Render runs one ffmpeg process for spec and blocks until it exits.
// Cancelling ctx kills the process. On any failure the output file is
// removed, so a returned error never leaves a partial file behind.
func (s *FFmpegService) Render(ctx context.Context, spec RenderSpec) (*RenderResult, error) {
	args, err := BuildArgs(spec)
	if err != nil {
		return nil, err
	}
	log.Printf("[FFmpeg] Rendering %d input(s) -> %s", len(spec.Inputs()), spec.Output)
	log.Printf("[FFmpeg] filter_complex=%s", planner.FilterComplex(args))

	start := time.Now()
	res, err := s.runner.Run(ctx, s.ffmpegPath, args, RunOptions{})
	if err != nil {
		removeOutput(spec.Output)
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return nil, &ExecError{Args: args, Stderr: tail(res.Stderr, maxStderr), Err: err}
	}

	info, statErr := os.Stat(spec.Output)
	if statErr != nil || info.Size() == 0 {
		removeOutput(spec.Output)
		return nil, &ExecError{
			Args:   args,
			Stderr: tail(res.Stderr, maxStderr),
			Err:    fmt.Errorf("%w: %s", ErrEmptyOutput, spec.Output),
		}
	}

	elapsed := time.Since(start)
	log.Printf("[FFmpeg] Rendered %s (%d bytes) in %s", spec.Output, info.Size(), elapsed.Round(time.Millisecond))
	return &RenderResult{Output: spec.Output, Bytes: info.Size(), Elapsed: elapsed}, nil
}

func removeOutput(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("[FFmpeg] Warning: failed to remove partial output %s: %v", path, err)
	}
}
