package planner

import "fmt"

// RenderConfig holds the canvas and stream format every planned output is
// normalized to. It is passed explicitly into each planner call.
type RenderConfig struct {
	Width         int    // Canvas width in pixels
	Height        int    // Canvas height in pixels
	FPS           int    // Output frame rate
	PixelFormat   string // e.g. "yuv420p"
	SampleRate    int    // Audio sample rate in Hz
	SampleFormat  string // e.g. "fltp"
	ChannelLayout string // e.g. "stereo"

	// UpscaleFactor is how much the zoom planner inflates a frame before the
	// per-frame crop, to avoid stair-stepping at high magnification.
	UpscaleFactor int
}

// DefaultRenderConfig returns a 1080p/30fps canvas with 48kHz stereo audio.
func DefaultRenderConfig() RenderConfig {
	return RenderConfig{
		Width:         1920,
		Height:        1080,
		FPS:           30,
		PixelFormat:   "yuv420p",
		SampleRate:    48000,
		SampleFormat:  "fltp",
		ChannelLayout: "stereo",
		UpscaleFactor: 8,
	}
}

// Validate checks that the config can produce a usable filter graph.
func (c RenderConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: canvas %dx%d", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("%w: canvas %dx%d must have even dimensions", ErrInvalidConfig, c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("%w: fps %d", ErrInvalidConfig, c.FPS)
	}
	if c.PixelFormat == "" {
		return fmt.Errorf("%w: pixel format is empty", ErrInvalidConfig)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalidConfig, c.SampleRate)
	}
	if c.SampleFormat == "" || c.ChannelLayout == "" {
		return fmt.Errorf("%w: sample format and channel layout are required", ErrInvalidConfig)
	}
	if c.UpscaleFactor < 1 {
		return fmt.Errorf("%w: upscale factor %d", ErrInvalidConfig, c.UpscaleFactor)
	}
	return nil
}

// ClipDescriptor is what the planners know about one input clip.
type ClipDescriptor struct {
	Path     string  `json:"path"`
	Duration float64 `json:"duration"` // seconds, 0 when unknown
	HasAudio bool    `json:"has_audio"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      int     `json:"fps"`
}

// DefaultClip is the descriptor used when a clip cannot be inspected.
func DefaultClip(path string, cfg RenderConfig) ClipDescriptor {
	return ClipDescriptor{
		Path:     path,
		Duration: 0,
		HasAudio: false,
		Width:    cfg.Width,
		Height:   cfg.Height,
		FPS:      30,
	}
}

// frameRate returns the clip's probed frame rate, or the canvas rate.
func (c ClipDescriptor) frameRate(cfg RenderConfig) int {
	if c.FPS > 0 {
		return c.FPS
	}
	return cfg.FPS
}
