package httpserver

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/classwatch/classwatch/internal/errors"
	"github.com/classwatch/classwatch/internal/logger"
	"github.com/classwatch/classwatch/internal/pipeline"
)

// WindowView describes a detection window.
type WindowView struct {
	PeriodID string    `json:"period_id"`
	Label    string    `json:"label,omitempty"`
	Instance string    `json:"instance"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

// ModelView describes model residency.
type ModelView struct {
	Loaded       bool       `json:"loaded"`
	LoadFailed   bool       `json:"load_failed"`
	LastError    string     `json:"last_error,omitempty"`
	LastLoadedAt *time.Time `json:"last_loaded_at,omitempty"`
	Loads        uint64     `json:"loads"`
}

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Now           time.Time       `json:"now"`
	Phase         string          `json:"phase"`
	Detecting     bool            `json:"detecting"`
	Forced        bool            `json:"forced"`
	PhaseSince    time.Time       `json:"phase_since"`
	CurrentPeriod string          `json:"current_period,omitempty"`
	NextWindow    *WindowView     `json:"next_window,omitempty"`
	Model         ModelView       `json:"model"`
	Pipeline      pipeline.Status `json:"pipeline"`
}

// ForcedRequest is the body of POST /api/v1/forced.
type ForcedRequest struct {
	Enabled *bool `json:"enabled"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (s *Server) getStatus(c echo.Context) error {
	now := s.deps.Clock.Now()
	ps := s.deps.Phases.Status()
	ms := s.deps.Model.State()

	resp := StatusResponse{
		Now:        now,
		Phase:      ps.Phase.String(),
		Detecting:  ps.Phase.Detecting(),
		Forced:     ps.Forced,
		PhaseSince: ps.Since,
		Model: ModelView{
			Loaded:     ms.Loaded,
			LoadFailed: ms.LoadFailed,
			LastError:  ms.LastError,
			Loads:      ms.Loads,
		},
		Pipeline: s.deps.Pipeline.Status(),
	}
	if !ms.LastLoadedAt.IsZero() {
		t := ms.LastLoadedAt
		resp.Model.LastLoadedAt = &t
	}
	if p, ok := s.deps.Calendar.PeriodAt(now); ok {
		resp.CurrentPeriod = p.ID
	}
	if w, ok := s.deps.Calendar.NextWindow(now); ok {
		resp.NextWindow = &WindowView{
			PeriodID: w.Period.ID,
			Label:    w.Period.Label,
			Instance: w.Instance,
			Start:    w.Start,
			End:      w.End,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getEvents(c echo.Context) error {
	if s.deps.Recent == nil {
		return c.JSON(http.StatusOK, []pipeline.CaptureEvent{})
	}
	events := s.deps.Recent.Events()
	if events == nil {
		events = []pipeline.CaptureEvent{}
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) setForced(c echo.Context) error {
	var req ForcedRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "Invalid request body", http.StatusBadRequest)
	}
	if req.Enabled == nil {
		return s.handleError(c, nil, `Field "enabled" is required`, http.StatusBadRequest)
	}

	phase := s.deps.Phases.SetForced(*req.Enabled)
	s.log.Info("Forced mode changed via API",
		logger.Bool("enabled", *req.Enabled),
		logger.String("phase", phase.String()),
		logger.String("ip", c.RealIP()))

	return c.JSON(http.StatusOK, map[string]any{
		"forced":    *req.Enabled,
		"phase":     phase.String(),
		"detecting": phase.Detecting(),
	})
}

// triggerCapture runs a manual capture. A failed capture still returns its
// event, with the error kind filled in.
func (s *Server) triggerCapture(c echo.Context) error {
	ev, err := s.deps.Pipeline.TriggerNow(c.Request().Context())
	switch {
	case errors.Is(err, pipeline.ErrStopped):
		return s.handleError(c, err, "Capture pipeline is stopping", http.StatusServiceUnavailable)
	case err != nil:
		s.log.Warn("Manual capture failed",
			logger.String("event_id", ev.ID),
			logger.String("kind", ev.ErrorKind),
			logger.Error(err))
		return c.JSON(http.StatusInternalServerError, ev)
	}
	return c.JSON(http.StatusOK, ev)
}

func (s *Server) handleError(c echo.Context, err error, message string, code int) error {
	resp := ErrorResponse{Error: message, Message: message, Code: code}
	if err != nil {
		resp.Error = err.Error()
	}
	s.log.Warn("API error",
		logger.String("path", c.Request().URL.Path),
		logger.String("message", message),
		logger.Int("code", code),
		logger.Error(err))
	return c.JSON(code, resp)
}
