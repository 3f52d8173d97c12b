package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reweave/internal/audit"
	"reweave/internal/expand"
	"reweave/internal/logging"
	"reweave/internal/pipeline"
	"reweave/internal/store"
	"reweave/internal/stream"
	"reweave/internal/types"
)

// serveCmd runs the websocket server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconstruction server",
	Long: `Starts the websocket server:

  /ws/cc-stream   job control and chunk-level progress
  /ws/audit       per-job audit trail (history snapshot, then live)
  /ws/generation  universal expansion progress
  /api/expand     POST to start an expansion run

Jobs survive restarts; send resume_job on /ws/cc-stream to pick up an
interrupted job where it left off.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := logging.Initialize(cfg.Logging.Dir, cfg.Logging.Debug || verbose, cfg.Logging.Level); err != nil {
		return err
	}
	defer logging.CloseAll()

	client, err := newLLMClient(cfg)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.Store.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := stream.NewHub()
	rec := audit.New(st, hub)

	chunkMin, chunkMax, continuation := cfg.GetPipelinePauses()
	mgr := pipeline.NewManager(st, hub, rec, client, pipeline.Options{
		ChunkPauseMin:     chunkMin,
		ChunkPauseMax:     chunkMax,
		ContinuationPause: continuation,
	})
	engine := expand.New(client, hub)

	if resumable, err := st.ListResumable(); err == nil && len(resumable) > 0 {
		logger.Info("found interrupted jobs", zap.Int("count", len(resumable)))
	}

	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(gc *gin.Context) {
		gc.JSON(http.StatusOK, gin.H{"status": "ok", "activeJobs": len(mgr.ActiveJobs())})
	})
	router.GET("/ws/cc-stream", stream.CCStreamHandler(hub, mgr))
	router.GET("/ws/audit", stream.AuditHandler(hub, st))
	router.GET("/ws/generation", stream.GenerationHandler(hub))
	router.POST("/api/expand", expandHandler(engine))

	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return sweepLoop(gctx, st)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	mgr.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream.Shutdown(shutdownCtx, hub)

	logger.Info("server stopped")
	return err
}

// sweepLoop deletes expired terminal jobs on a ticker. Failed jobs are
// exempt so they stay resumable.
func sweepLoop(ctx context.Context, st *store.Store) error {
	ttl := cfg.GetJobTTL()
	ticker := time.NewTicker(cfg.GetSweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := st.SweepExpired(ttl)
			if err != nil {
				logging.Store("Sweep failed: %v", err)
				continue
			}
			if n > 0 {
				logging.Store("Swept %d expired jobs", n)
			}
		}
	}
}

// expandRequest is the POST /api/expand body.
type expandRequest struct {
	Directive  string `json:"directive" binding:"required"`
	SourceText string `json:"sourceText"`
	Audience   string `json:"audience"`
	Rigor      string `json:"rigor"`
}

// expandHandler starts an expansion run; progress streams on /ws/generation.
func expandHandler(engine *expand.Engine) gin.HandlerFunc {
	return func(gc *gin.Context) {
		var req expandRequest
		if err := gc.ShouldBindJSON(&req); err != nil {
			gc.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		go func() {
			_, err := engine.Run(context.Background(), expand.Request{
				Directive:  req.Directive,
				SourceText: req.SourceText,
				Params: types.UserParams{
					Audience: req.Audience,
					Rigor:    req.Rigor,
				},
			})
			if err != nil {
				logging.Get(logging.CategoryExpand).Error("Expansion failed: %v", err)
			}
		}()
		gc.JSON(http.StatusAccepted, gin.H{"status": "started"})
	}
}
