package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/MuruganandamVG/interview-room/internal/capture"
	"github.com/MuruganandamVG/interview-room/internal/media"
	"github.com/MuruganandamVG/interview-room/internal/session"
)

// Server exposes the interview session over HTTP: lifecycle actions, device
// toggles, a state snapshot and a websocket event feed.
type Server struct {
	Echo *echo.Echo

	sess    *session.Controller
	devices *media.Controller
	hub     *Hub
	log     logrus.FieldLogger

	// baseCtx bounds async session work; request contexts die with the
	// response, long before the exchange or playback settles.
	baseCtx context.Context
}

// New creates a configured Echo server instance.
func New(baseCtx context.Context, sess *session.Controller, devices *media.Controller, hub *Hub, log logrus.FieldLogger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{Echo: e, sess: sess, devices: devices, hub: hub, log: log, baseCtx: baseCtx}

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	api := e.Group("/api/v1")
	api.POST("/interview/start", s.startInterview)
	api.POST("/turn/begin", s.beginTurn)
	api.POST("/turn/end", s.endTurn)
	api.GET("/state", s.state)
	api.POST("/devices/microphone", s.toggleMicrophone)
	api.POST("/devices/camera", s.toggleCamera)
	api.GET("/events", s.events)

	return s
}

type statusResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type deviceResponse struct {
	Enabled bool `json:"enabled"`
}

type stateResponse struct {
	Phase            string         `json:"phase"`
	Speaker          string         `json:"speaker"`
	CandidateID      string         `json:"candidate_id,omitempty"`
	Interim          string         `json:"interim,omitempty"`
	Turns            []session.Turn `json:"turns"`
	CaptureSupported bool           `json:"capture_supported"`
	MicrophoneOn     bool           `json:"microphone_on"`
	CameraOn         bool           `json:"camera_on"`
	DevicesAvailable bool           `json:"devices_available"`
}

func (s *Server) startInterview(c echo.Context) error {
	if err := s.sess.StartInterview(s.baseCtx); err != nil {
		return sessionError(c, err)
	}
	return c.JSON(http.StatusAccepted, statusResponse{Status: "starting"})
}

func (s *Server) beginTurn(c echo.Context) error {
	if err := s.sess.BeginCandidateTurn(s.baseCtx); err != nil {
		return sessionError(c, err)
	}
	return c.JSON(http.StatusAccepted, statusResponse{Status: "recording"})
}

func (s *Server) endTurn(c echo.Context) error {
	if err := s.sess.EndCandidateTurn(s.baseCtx); err != nil {
		return sessionError(c, err)
	}
	return c.JSON(http.StatusAccepted, statusResponse{Status: "submitting"})
}

func (s *Server) state(c echo.Context) error {
	st := s.sess.Snapshot()
	return c.JSON(http.StatusOK, stateResponse{
		Phase:            st.Phase.String(),
		Speaker:          st.Speaker.String(),
		CandidateID:      st.CandidateID,
		Interim:          st.Interim,
		Turns:            st.Turns,
		CaptureSupported: st.CaptureSupported,
		MicrophoneOn:     s.devices.MicrophoneOn(),
		CameraOn:         s.devices.CameraOn(),
		DevicesAvailable: s.devices.Available(),
	})
}

func (s *Server) toggleMicrophone(c echo.Context) error {
	return c.JSON(http.StatusOK, deviceResponse{Enabled: s.devices.ToggleMicrophone()})
}

func (s *Server) toggleCamera(c echo.Context) error {
	return c.JSON(http.StatusOK, deviceResponse{Enabled: s.devices.ToggleCamera()})
}

func (s *Server) events(c echo.Context) error {
	return s.hub.Serve(c.Response(), c.Request())
}

// sessionError maps controller errors onto HTTP statuses: conflicting
// lifecycle calls are 409s the client can retry later, a missing capture
// capability is permanent.
func sessionError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, session.ErrInvalidPhase), errors.Is(err, session.ErrExchangeInFlight):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, capture.ErrUnsupported):
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
