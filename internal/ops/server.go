// Package ops serves the read-only JSON surface operators point dashboards
// and health checks at. It never mutates scheduler state; every write path
// stays with the scheduler, reconciler, and CLI.
package ops

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gantryhq/gantry/internal/guard"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the ops server.
type StartOpts struct {
	DB    *gorm.DB
	Port  int
	Guard *guard.Validator // optional; audit routes return empty without it
	Out   io.Writer
}

// Start launches the ops HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("ops: db is required")
	}
	if opts.Port <= 0 {
		opts.Port = 7663
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	registerRoutes(router, opts.DB, opts.Guard)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Ops API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops: %w", err)
	}
	return nil
}
