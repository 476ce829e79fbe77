package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bobarin/composer/internal/services"
	"github.com/bobarin/composer/internal/storage"
	"github.com/bobarin/composer/internal/worker"
)

func newRenderCmd(opts *options) *cobra.Command {
	var (
		outPath string
		dryRun  bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "render <job-file>",
		Short: "Render a compose, speed_fit, zoom or trim job file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobType, raw, err := LoadJobFile(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			var renderer worker.Renderer = services.NewFFmpegService(opts.ffmpegPath, services.CmdRunner{})
			if dryRun {
				renderer = &printRenderer{w: out, ffmpegPath: opts.ffmpegPath}
			}

			stor := storage.New(os.Getenv("SUPABASE_URL"), os.Getenv("SUPABASE_SERVICE_KEY"), os.Getenv("SUPABASE_STORAGE_BUCKET"))
			prober := services.NewProber(services.CmdRunner{}, opts.ffprobePath, opts.render(), 0, opts.probeTimeout)
			pipeline := worker.NewPipeline(stor, prober, renderer, opts.render(), opts.codec())

			ws, err := services.NewWorkspace(opts.tempDir)
			if err != nil {
				return err
			}
			defer ws.Close()

			result, err := pipeline.Run(ctx, ws, jobType, raw)
			if err != nil {
				return err
			}
			if dryRun {
				return nil
			}

			if outPath == "" {
				outPath = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".mp4"
			}
			if err := copyFile(result.File.Output, outPath); err != nil {
				return err
			}

			if opts.outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"output":           outPath,
					"bytes":            result.File.Bytes,
					"duration_seconds": result.Duration,
					"details":          result.Details,
				})
			}
			fmt.Fprintf(out, "Wrote %s (%.3fs, %d bytes) in %s\n", outPath, result.Duration, result.File.Bytes, result.File.Elapsed.Round(time.Millisecond))
			for k, v := range result.Details {
				fmt.Fprintf(out, "  %s: %v\n", k, v)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file path (default: job file name with .mp4)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the ffmpeg commands without running them")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Abort the render after this long")

	return cmd
}

// printRenderer writes each ffmpeg invocation instead of running it.
type printRenderer struct {
	w          io.Writer
	ffmpegPath string
}

func (r *printRenderer) Render(ctx context.Context, spec services.RenderSpec) (*services.RenderResult, error) {
	built, err := services.BuildArgs(spec)
	if err != nil {
		return nil, err
	}
	args := append([]string{r.ffmpegPath}, built...)
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	if _, err := fmt.Fprintln(r.w, strings.Join(quoted, " ")); err != nil {
		return nil, err
	}
	return &services.RenderResult{Output: spec.Output}, nil
}

// shellQuote single-quotes an argument when a POSIX shell would split or
// expand it.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()[]*?!#~,") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open rendered file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
