package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bobarin/composer/internal/services"
)

func newProbeCmd(opts *options) *cobra.Command {
	var concurrency int

	cmd := &cobra.Command{
		Use:   "probe <file>...",
		Short: "Describe media files the way the planners see them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prober := services.NewProber(services.CmdRunner{}, opts.ffprobePath, opts.render(), concurrency, opts.probeTimeout)
			clips := prober.ProbeAll(cmd.Context(), args)

			out := cmd.OutOrStdout()
			if opts.outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(clips)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "PATH\tDURATION\tSIZE\tFPS\tAUDIO")
			for _, c := range clips {
				fmt.Fprintf(tw, "%s\t%.3fs\t%dx%d\t%d\t%t\n", c.Path, c.Duration, c.Width, c.Height, c.FPS, c.HasAudio)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "Maximum parallel ffprobe processes")

	return cmd
}
