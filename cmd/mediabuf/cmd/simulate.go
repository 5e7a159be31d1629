package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/mediabuf/internal/buffer"
	"github.com/jmylchreest/mediabuf/internal/media"
	"github.com/spf13/cobra"
)

var (
	simulateURL       string
	simulateDuration  time.Duration
	simulateBandwidth int64
	simulateBitrates  []int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a buffering session against a synthetic or HLS source",
	Long: `Run a full buffering session: scheduler, ABR chooser, timeline index
and memory sink, driven by a simulated playback clock.

Without --url a synthetic on-demand source is used and segment transfers
are generated in-process, throttled to --bandwidth. With --url the given
HLS playlist is loaded and segments are fetched over HTTP.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	simulateCmd.Flags().StringVar(&simulateURL, "url", "", "HLS playlist URL (empty for synthetic source)")
	simulateCmd.Flags().DurationVar(&simulateDuration, "duration", 30*time.Second, "how long to run the simulation")
	simulateCmd.Flags().Int64Var(&simulateBandwidth, "bandwidth", 6_000_000, "synthetic network bandwidth in bits/s")
	simulateCmd.Flags().IntSliceVar(&simulateBitrates, "bitrates", []int{300_000, 1_000_000, 3_000_000}, "synthetic representation bitrates")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	session, cleanup, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	defer session.Dispose()

	ctx, cancel := context.WithTimeout(cmd.Context(), simulateDuration)
	defer cancel()

	pb, err := loadPlayback(ctx, session, simulateURL, simulateBitrates, simulateBandwidth)
	if err != nil {
		return err
	}
	defer pb.Stop()

	go driveTicks(ctx, pb, logger)

	var loaded, switches int
	lastRep := ""
	for {
		select {
		case <-ctx.Done():
			logger.Info("simulation finished",
				slog.Int("segments_loaded", loaded),
				slog.Int("representation_switches", switches))
			return nil

		case ev, ok := <-pb.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case buffer.EventLoaded:
				loaded++
				if rep := ev.Representation; rep != nil && rep.ID != lastRep {
					if lastRep != "" {
						switches++
					}
					lastRep = rep.ID
					logger.Info("now loading representation",
						slog.String("representation", rep.ID),
						slog.Int("bitrate", rep.Bitrate))
				}
			case buffer.EventOutOfIndex:
				logger.Warn("out of index, manifest refresh needed",
					slog.String("media_type", string(ev.MediaType)))
			case buffer.EventPreconditionFailed:
				logger.Warn("precondition failed at the live edge")
			case buffer.EventError:
				logger.Error("fatal scheduler error", slog.String("error", ev.Err.Error()))
				return ev.Err
			}

			if ev.Kind == buffer.EventLoaded && ev.MediaType == media.TypeVideo && loaded%10 == 0 {
				if st, ok := pb.Status()[media.TypeVideo]; ok {
					logger.Info("buffer status",
						slog.Int("ranges", len(st.Ranges)),
						slog.Int("queued", st.Queued),
						slog.String("representation", st.Representation))
				}
			}
		}
	}
}
