package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/caesium-cloud/lumen/api/rest/v1"
	"github.com/caesium-cloud/lumen/internal/manager"
	"github.com/caesium-cloud/lumen/pkg/env"
	"github.com/caesium-cloud/lumen/pkg/log"
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
)

const shutdownTimeout = 10 * time.Second

// New builds the HTTP surface without metrics middleware.
func New(m *manager.Manager) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// health
	e.GET("/health", Health(m))

	// REST
	rest.Bind(e.Group("/v1"), m)

	return e
}

// Start launches lumen's API and serves until ctx is done.
func Start(ctx context.Context, m *manager.Manager) error {
	e := New(m)

	// metrics
	prometheus.NewPrometheus("lumen", nil).Use(e)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error("api shutdown failure", "error", err)
		}
	}()

	addr := fmt.Sprintf(":%v", env.Variables().Port)
	log.Info("api listening", "addr", addr)

	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
