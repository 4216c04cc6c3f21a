// Package health exposes the pipeline's HTTP surface: a liveness
// check, the Prometheus scrape endpoint, and an operator-triggered DLQ
// replay route (spec §4.7, §6). Grounded on every cmd/api/main.go in
// the teacher monorepo, which wires the exact same echo + otelecho +
// middleware.Recover() stack around a single /healthz handler; this
// generalizes that handler into a multi-component status check and
// adds the two routes the teacher's admin-facing services expose
// elsewhere in the corpus (discovery-service's /metrics, audit-service's
// replay-style POST endpoints).
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/geofencehq/pipeline/internal/dlq"
	"github.com/geofencehq/pipeline/internal/model"
	"github.com/geofencehq/pipeline/internal/platform/telemetry"
)

// Pinger reports whether a dependency is reachable. *pgxpool.Pool and
// *nats.Conn both satisfy compatible shapes via small adapters built at
// wiring time in cmd/*/main.go.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Replayer is the subset of dlq.Sink the HTTP surface drives directly.
type Replayer interface {
	Replay(ctx context.Context, entryID string, creator dlq.ReplayCreator) (model.Delivery, error)
}

// Server is the pipeline's shared HTTP surface, run once per daemon
// with whichever components that daemon actually owns wired in.
type Server struct {
	echo *echo.Echo
	log  *zap.Logger
}

// New builds a Server. serviceName is used for OTel span naming and
// matches the teacher's otelecho.Middleware(name) convention. components
// names every dependency this daemon's /health check should report on.
func New(serviceName string, components map[string]Pinger, metrics *telemetry.Metrics, replay Replayer, replayCreator dlq.ReplayCreator, log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("http request", zap.String("uri", v.URI), zap.Int("status", v.Status))
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return handleHealth(c, components, metrics)
	})

	if metrics != nil {
		h := metrics.Handler()
		e.GET("/metrics", echo.WrapHandler(h))
	}

	if replay != nil && replayCreator != nil {
		e.POST("/dlq/:id/replay", func(c echo.Context) error {
			return handleReplay(c, replay, replayCreator)
		})
	}

	return &Server{echo: e, log: log}
}

type healthResponse struct {
	Status     string             `json:"status"`
	Components map[string]string  `json:"components"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// handleHealth is the pure, table-driven core of the /health route,
// split out from the echo closure so it's directly unit-testable.
func handleHealth(c echo.Context, components map[string]Pinger, metrics *telemetry.Metrics) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{Status: "healthy", Components: make(map[string]string, len(components))}
	for name, p := range components {
		if err := p.Ping(ctx); err != nil {
			resp.Status = "unhealthy"
			resp.Components[name] = err.Error()
			continue
		}
		resp.Components[name] = "ok"
	}
	if metrics != nil {
		resp.Metrics = metrics.Snapshot()
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

func handleReplay(c echo.Context, replay Replayer, creator dlq.ReplayCreator) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing dlq entry id"})
	}

	newDelivery, err := replay.Replay(c.Request().Context(), id, creator)
	if err != nil {
		if err == dlq.ErrNotReplayable {
			return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, newDelivery)
}

// Start listens until ctx is cancelled, then shuts down gracefully —
// matching the teacher's e.Start/e.Shutdown split in every cmd/*/main.go.
func (s *Server) Start(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
