// Package httpserver exposes the pipeline over HTTP.
//
// Routes:
//
//	POST /scheduler/run                   → run the automation rules (bearer token)
//	GET  /scheduler/run                   → liveness of the trigger endpoint
//	POST /applications                    → create an application in Applied
//	POST /applications/:id/timeline       → open the first interval of a CRUD-created row
//	GET  /applications/stale              → stale applications (?thresholdDays=N)
//	GET  /applications/:id/timeline       → stage history with durations
//	GET  /applications/:id/duration       → time in the current stage
//	POST /applications/:id/move           → record a stage transition
//	GET  /analytics/stages                → per-stage statistics (?jobId=&from=&to=)
//	GET  /health                          → dependency checks
//	GET  /metrics                         → Prometheus exposition
package httpserver

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"jobmate/pipeline-service/internal/automation"
	"jobmate/pipeline-service/internal/domain"
	"jobmate/pipeline-service/internal/duration"
	"jobmate/pipeline-service/internal/kanban"
	"jobmate/pipeline-service/internal/metrics"
	"jobmate/pipeline-service/internal/stale"
)

// ChecksRunner runs one scheduler invocation.
type ChecksRunner interface {
	RunScheduledChecks(ctx context.Context) automation.Report
}

// Ledger is the part of kanban.Ledger the handlers use.
type Ledger interface {
	CreateApplication(ctx context.Context, in kanban.NewApplication, actor domain.Actor) (*domain.Application, *domain.StageHistoryEntry, error)
	CreateInitial(ctx context.Context, appID string, stage domain.Stage, actor domain.Actor) (*domain.StageHistoryEntry, error)
	GetTimeline(ctx context.Context, appID string) ([]kanban.TimelineEntry, error)
	GetCurrentDuration(ctx context.Context, appID string) (int64, error)
	RecordTransition(ctx context.Context, appID string, toStage domain.Stage, actor domain.Actor) (*domain.StageHistoryEntry, error)
}

// Analytics aggregates stage history.
type Analytics interface {
	GetAggregateAnalytics(ctx context.Context, filter domain.EntryFilter) ([]duration.StageStats, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Scheduler      ChecksRunner
	SchedulerToken string
	Ledger         Ledger
	Applications   domain.ApplicationStore
	Detector       *stale.Detector
	Analytics      Analytics
	Registry       *prometheus.Registry
	Checks         map[string]HealthCheck
}

// Server wraps the echo instance.
type Server struct {
	echo *echo.Echo
	deps Deps
}

// New builds the server and registers every route.
func New(d Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(correlationMiddleware)
	e.Use(requestLogger)

	s := &Server{echo: e, deps: d}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.deps.Registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.deps.Registry)))
	}

	s.echo.GET("/scheduler/run", s.handleSchedulerLiveness)
	s.echo.POST("/scheduler/run", s.handleRunScheduledChecks, bearerAuth(s.deps.SchedulerToken))

	s.echo.POST("/applications", s.handleCreateApplication)
	s.echo.GET("/applications/stale", s.handleListStale)
	s.echo.GET("/applications/:id/timeline", s.handleTimeline)
	s.echo.POST("/applications/:id/timeline", s.handleOpenTimeline)
	s.echo.GET("/applications/:id/duration", s.handleDuration)
	s.echo.POST("/applications/:id/move", s.handleMove)

	s.echo.GET("/analytics/stages", s.handleStageAnalytics)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
