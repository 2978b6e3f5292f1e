package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"jobmate/pipeline-service/internal/domain"
	"jobmate/pipeline-service/internal/duration"
	"jobmate/pipeline-service/internal/kanban"
)

const defaultStaleThresholdDays = 7

// ─── Scheduler ───────────────────────────────────────────────────────────────

// handleRunScheduledChecks handles POST /scheduler/run. The body is ignored.
func (s *Server) handleRunScheduledChecks(c echo.Context) error {
	report := s.deps.Scheduler.RunScheduledChecks(c.Request().Context())
	return c.JSON(http.StatusOK, report)
}

// handleSchedulerLiveness handles GET /scheduler/run without side effects.
func (s *Server) handleSchedulerLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Applications ────────────────────────────────────────────────────────────

// actorFromHeaders reads the x-user-id / x-user-name headers forwarded by
// the Gateway.
func actorFromHeaders(c echo.Context) (domain.Actor, error) {
	userID := c.Request().Header.Get("x-user-id")
	if userID == "" {
		return domain.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "missing x-user-id header")
	}
	return domain.Actor{ID: userID, Name: c.Request().Header.Get("x-user-name")}, nil
}

type createApplicationRequest struct {
	ID            string `json:"id"`
	JobID         string `json:"jobId"`
	CandidateName string `json:"candidateName"`
}

// handleCreateApplication handles POST /applications. The application starts
// in Applied with its first interval already open.
func (s *Server) handleCreateApplication(c echo.Context) error {
	actor, err := actorFromHeaders(c)
	if err != nil {
		return err
	}
	var body createApplicationRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body")
	}

	app, entry, err := s.deps.Ledger.CreateApplication(c.Request().Context(), kanban.NewApplication{
		ID:            body.ID,
		JobID:         body.JobID,
		CandidateName: body.CandidateName,
	}, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"application": app, "entry": entry})
}

// handleOpenTimeline handles POST /applications/:id/timeline for rows the
// CRUD layer inserted without a history: it opens the first interval in the
// application's current status.
func (s *Server) handleOpenTimeline(c echo.Context) error {
	actor, err := actorFromHeaders(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	app, err := s.deps.Applications.GetApplication(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	entry, err := s.deps.Ledger.CreateInitial(ctx, app.ID, app.Status, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, entry)
}

func (s *Server) handleTimeline(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := s.deps.Applications.GetApplication(ctx, id); err != nil {
		return err
	}
	timeline, err := s.deps.Ledger.GetTimeline(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"applicationId": id, "timeline": timeline})
}

type durationResponse struct {
	ApplicationID string            `json:"applicationId"`
	Stage         domain.Stage      `json:"stage"`
	Seconds       int64             `json:"seconds"`
	Formatted     string            `json:"formatted"`
	Severity      duration.Severity `json:"severity"`
}

func (s *Server) handleDuration(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	app, err := s.deps.Applications.GetApplication(ctx, id)
	if err != nil {
		return err
	}
	secs, err := s.deps.Ledger.GetCurrentDuration(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, durationResponse{
		ApplicationID: id,
		Stage:         app.Status,
		Seconds:       secs,
		Formatted:     duration.FormatDuration(float64(secs)),
		Severity:      duration.ClassifyDuration(app.Status, float64(secs)),
	})
}

type moveRequest struct {
	NewStatus string `json:"newStatus"`
}

// handleMove handles POST /applications/:id/move. Any stage other than the
// current one is accepted.
func (s *Server) handleMove(c echo.Context) error {
	actor, err := actorFromHeaders(c)
	if err != nil {
		return err
	}

	var body moveRequest
	if err := c.Bind(&body); err != nil || body.NewStatus == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "body must contain newStatus")
	}
	stage, err := domain.ParseStage(body.NewStatus)
	if err != nil {
		return &domain.ValidationError{Msg: err.Error()}
	}

	entry, err := s.deps.Ledger.RecordTransition(c.Request().Context(), c.Param("id"), stage, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

// handleListStale handles GET /applications/stale?thresholdDays=N over
// unarchived applications.
func (s *Server) handleListStale(c echo.Context) error {
	threshold := defaultStaleThresholdDays
	if raw := c.QueryParam("thresholdDays"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "thresholdDays must be a non-negative integer")
		}
		threshold = n
	}

	unarchived := false
	apps, err := s.deps.Applications.ListApplications(c.Request().Context(), domain.ApplicationFilter{Archived: &unarchived})
	if err != nil {
		return err
	}
	staleApps := s.deps.Detector.ListStale(apps, threshold)
	return c.JSON(http.StatusOK, map[string]any{
		"thresholdDays": threshold,
		"count":         len(staleApps),
		"applications":  staleApps,
	})
}

// ─── Analytics ───────────────────────────────────────────────────────────────

func (s *Server) handleStageAnalytics(c echo.Context) error {
	filter := domain.EntryFilter{JobID: c.QueryParam("jobId")}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
		}
		*dst = &t
	}

	stats, err := s.deps.Analytics.GetAggregateAnalytics(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"stages": stats})
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 3*time.Second)
	defer cancel()

	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status":       "unhealthy",
				"failed_check": name,
				"error":        err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
