package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bobarin/composer/internal/planner"
	"github.com/bobarin/composer/internal/services"
)

// options are the persistent flags shared by every subcommand.
type options struct {
	ffmpegPath   string
	ffprobePath  string
	probeTimeout time.Duration
	width        int
	height       int
	fps          int
	upscale      int
	crf          int
	preset       string
	tempDir      string
	outputJSON   bool
}

func (o *options) render() planner.RenderConfig {
	cfg := planner.DefaultRenderConfig()
	cfg.Width, cfg.Height, cfg.FPS = o.width, o.height, o.fps
	cfg.UpscaleFactor = o.upscale
	return cfg
}

func (o *options) codec() services.CodecOptions {
	codec := services.DefaultCodecOptions()
	codec.CRF = o.crf
	codec.Preset = o.preset
	return codec
}

// Execute runs the root cobra command.
func Execute() {
	// Storage credentials for storage:// refs come from the same .env the server reads
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaults := planner.DefaultRenderConfig()
	codec := services.DefaultCodecOptions()
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "composer",
		Short:         "Plan and render video compositions locally",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.ffmpegPath, "ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	flags.StringVar(&opts.ffprobePath, "ffprobe", "ffprobe", "Path to the ffprobe binary")
	flags.DurationVar(&opts.probeTimeout, "probe-timeout", 30*time.Second, "Give up on one ffprobe run after this long")
	flags.IntVar(&opts.width, "width", defaults.Width, "Canvas width in pixels")
	flags.IntVar(&opts.height, "height", defaults.Height, "Canvas height in pixels")
	flags.IntVar(&opts.fps, "fps", defaults.FPS, "Canvas frame rate")
	flags.IntVar(&opts.upscale, "zoom-upscale", defaults.UpscaleFactor, "Upscale factor applied before zoompan")
	flags.IntVar(&opts.crf, "crf", codec.CRF, "x264 constant rate factor")
	flags.StringVar(&opts.preset, "preset", codec.Preset, "x264 preset")
	flags.StringVar(&opts.tempDir, "temp-dir", os.TempDir(), "Parent directory for scratch workspaces")
	flags.BoolVar(&opts.outputJSON, "json", false, "Output machine-readable JSON")

	cmd.AddCommand(newRenderCmd(opts))
	cmd.AddCommand(newProbeCmd(opts))

	return cmd
}
