package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bobarin/composer/internal/planner"
)

const (
	// defaultProbeConcurrency bounds ProbeAll when no limit is configured.
	defaultProbeConcurrency = 4
	// defaultProbeTimeout bounds a single ffprobe run.
	defaultProbeTimeout = 30 * time.Second
)

// Prober inspects clips with ffprobe.
type Prober struct {
	runner      Runner
	ffprobePath string
	cfg         planner.RenderConfig
	concurrency int
	timeout     time.Duration
}

// NewProber returns a Prober. An empty path means "ffprobe" on $PATH; a
// non-positive concurrency or timeout uses the default.
func NewProber(runner Runner, ffprobePath string, cfg planner.RenderConfig, concurrency int, timeout time.Duration) *Prober {
	if runner == nil {
		runner = CmdRunner{}
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	if concurrency <= 0 {
		concurrency = defaultProbeConcurrency
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Prober{
		runner:      runner,
		ffprobePath: ffprobePath,
		cfg:         cfg,
		concurrency: concurrency,
		timeout:     timeout,
	}
}

// Probe never fails: when the clip cannot be inspected it logs a warning and
// returns planner.DefaultClip, so planning can go ahead and the real error
// surfaces when ffmpeg runs. A run that outlives the probe timeout is killed
// and treated the same way.
func (p *Prober) Probe(ctx context.Context, path string) planner.ClipDescriptor {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		path,
	}

	res, err := p.runner.Run(ctx, p.ffprobePath, args, RunOptions{})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Printf("[Probe] Warning: ffprobe timed out after %s for %s, using defaults", p.timeout, path)
			return planner.DefaultClip(path, p.cfg)
		}
		log.Printf("[Probe] Warning: ffprobe failed for %s, using defaults: %v (%s)", path, err, strings.TrimSpace(string(res.Stderr)))
		return planner.DefaultClip(path, p.cfg)
	}

	clip, err := ParseProbeJSON(path, res.Stdout, p.cfg)
	if err != nil {
		log.Printf("[Probe] Warning: %v, using defaults", err)
		return planner.DefaultClip(path, p.cfg)
	}
	return clip
}

// ProbeAll probes every path concurrently and returns descriptors in input
// order. A failed probe degrades to the default descriptor and does not
// cancel the rest of the batch.
func (p *Prober) ProbeAll(ctx context.Context, paths []string) []planner.ClipDescriptor {
	clips := make([]planner.ClipDescriptor, len(paths))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			clips[i] = p.Probe(ctx, path)
			return nil
		})
	}
	_ = g.Wait()

	return clips
}

// --- ffprobe JSON wire types ---

type ffprobeOutput struct {
	Format  ffprobeFormat   `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"`
}

type ffprobeStream struct {
	CodecType    string         `json:"codec_type"`
	Width        int            `json:"width"`
	Height       int            `json:"height"`
	AvgFrameRate string         `json:"avg_frame_rate"`
	RFrameRate   string         `json:"r_frame_rate"`
	Duration     string         `json:"duration"`
	Disposition  map[string]int `json:"disposition"`
}

// ParseProbeJSON converts ffprobe JSON output into a descriptor. It fails
// only when the JSON is unreadable or there is no video stream; missing
// fields fall back to the defaults.
func ParseProbeJSON(path string, data []byte, cfg planner.RenderConfig) (planner.ClipDescriptor, error) {
	var raw ffprobeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return planner.ClipDescriptor{}, fmt.Errorf("parse ffprobe JSON for %s: %w", path, err)
	}

	clip := planner.DefaultClip(path, cfg)
	var video *ffprobeStream
	for i := range raw.Streams {
		s := &raw.Streams[i]
		switch s.CodecType {
		case "video":
			// Cover art is reported as a video stream.
			if video == nil && s.Disposition["attached_pic"] != 1 {
				video = s
			}
		case "audio":
			clip.HasAudio = true
		}
	}
	if video == nil {
		return planner.ClipDescriptor{}, fmt.Errorf("no video stream in %s", path)
	}

	if video.Width > 0 && video.Height > 0 {
		clip.Width, clip.Height = video.Width, video.Height
	}
	if fps := parseFrameRate(video.AvgFrameRate); fps > 0 {
		clip.FPS = fps
	} else if fps := parseFrameRate(video.RFrameRate); fps > 0 {
		clip.FPS = fps
	}

	clip.Duration = parseSeconds(raw.Format.Duration)
	if clip.Duration == 0 {
		clip.Duration = parseSeconds(video.Duration)
	}
	return clip, nil
}

// parseFrameRate turns "30000/1001" or "25" into a rounded integer rate.
// Unparseable or zero rates ("0/0") return 0.
func parseFrameRate(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	num, den := s, "1"
	if i := strings.IndexByte(s, '/'); i >= 0 {
		num, den = s[:i], s[i+1:]
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	rate := math.Round(n / d)
	if rate <= 0 || math.IsInf(rate, 0) || math.IsNaN(rate) {
		return 0
	}
	return int(rate)
}

func parseSeconds(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
