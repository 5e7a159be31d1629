package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmylchreest/mediabuf/internal/buffer"
	"github.com/jmylchreest/mediabuf/internal/engine"
	"github.com/jmylchreest/mediabuf/internal/version"
	"github.com/spf13/cobra"
)

var (
	serveURL       string
	serveBandwidth int64
	serveBitrates  []int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a buffering session and expose a status endpoint",
	Long: `Run a buffering session (synthetic or HLS, like simulate) and expose
its live state over HTTP:

  GET /healthz      liveness probe
  GET /api/status   buffer ranges, queued segments and chosen
                    representation per media type`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveURL, "url", "", "HLS playlist URL (empty for synthetic source)")
	serveCmd.Flags().Int64Var(&serveBandwidth, "bandwidth", 6_000_000, "synthetic network bandwidth in bits/s")
	serveCmd.Flags().IntSliceVar(&serveBitrates, "bitrates", []int{300_000, 1_000_000, 3_000_000}, "synthetic representation bitrates")
}

func runServe(cmd *cobra.Command, _ []string) error {
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

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pb, err := loadPlayback(ctx, session, serveURL, serveBitrates, serveBandwidth)
	if err != nil {
		return err
	}
	defer pb.Stop()

	go driveTicks(ctx, pb, logger)
	go drainEvents(ctx, pb, logger)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "version": version.Short()})
	})
	router.Get("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"source":           pb.Manifest().URL,
			"live":             pb.Manifest().Live,
			"initial_position": pb.InitialPosition(),
			"types":            pb.Status(),
		})
	})

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down status server: %w", err)
	}
	return nil
}

// drainEvents keeps the playback event stream flowing and logs notable
// conditions.
func drainEvents(ctx context.Context, pb *engine.Playback, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-pb.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case buffer.EventOutOfIndex:
				logger.Warn("out of index, manifest refresh needed")
			case buffer.EventPreconditionFailed:
				logger.Warn("precondition failed at the live edge")
			case buffer.EventError:
				logger.Error("fatal scheduler error", slog.String("error", ev.Err.Error()))
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
