// Package api exposes sessions of a loaded model over HTTP.
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/nnxlm/internal/logger"
	"github.com/samcharles93/nnxlm/internal/model"
	"github.com/samcharles93/nnxlm/internal/session"
)

// Server holds the HTTP handlers.
type Server struct {
	sessions *session.Manager
	log      logger.Logger
}

// NewServer returns handlers backed by mgr.
func NewServer(mgr *session.Manager, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{sessions: mgr, log: log}
}

// Register mounts every route on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/model", s.handleModel)

	e.GET("/v1/sessions", s.handleListSessions)
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/forward", s.handleForward)
	e.POST("/v1/sessions/:id/reset", s.handleReset)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModel(c *echo.Context) error {
	m := s.sessions.Model()
	cfg := m.Config()
	info := ModelInfo{
		Object:     "model",
		Config:     cfg,
		RotaryDims: cfg.RotaryDims(),
		GroupSize:  cfg.GroupSize(),
		Tied:       cfg.TieWordEmbeddings,
	}
	if lm, ok := m.(*model.CausalLM); ok {
		info.Tied = lm.Tied()
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) handleListSessions(c *echo.Context) error {
	infos := s.sessions.List()
	out := SessionList{Object: "list", Data: make([]SessionResponse, len(infos))}
	for i, info := range infos {
		out.Data[i] = SessionResponse{Object: "session", Info: info}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	req, err := decodeJSON[CreateSessionRequest](c.Request().Body)
	if err != nil && !errors.Is(err, io.EOF) {
		return writeBadRequest(c, err.Error())
	}
	if req.MaxContext < 0 {
		return writeBadRequest(c, "max_context must not be negative")
	}
	sess := s.sessions.Create(req.MaxContext)
	return c.JSON(http.StatusOK, SessionResponse{Object: "session", Info: sess.Info()})
}

func (s *Server) handleGetSession(c *echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, SessionResponse{Object: "session", Info: sess.Info()})
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if err := s.sessions.Delete(id); err != nil {
		return writeNotFound(c, "session not found")
	}
	return c.JSON(http.StatusOK, DeleteResponse{ID: id, Object: "session", Deleted: true})
}

func (s *Server) handleReset(c *echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return writeNotFound(c, "session not found")
	}
	sess.Reset()
	return c.JSON(http.StatusOK, SessionResponse{Object: "session", Info: sess.Info()})
}

func (s *Server) handleForward(c *echo.Context) error {
	sess, err := s.sessions.Get(c.Param("id"))
	if err != nil {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	res, err := sess.Forward(c.Request().Context(), req.Tokens, req.AllPositions)
	if err != nil {
		s.log.Warn("forward rejected", "session", sess.ID, "error", err)
		return writeForwardError(c, err)
	}

	vocab := res.Logits.Dim(2)
	rows := res.Logits.Dim(1)
	out := ForwardResponse{
		Object:    "forward",
		SessionID: sess.ID,
		Start:     res.Start,
		Position:  res.Position,
		Logits:    make([][]float32, rows),
		Argmax:    make([]int, rows),
		ElapsedMS: float64(res.Elapsed.Microseconds()) / 1000,
	}
	for i := range rows {
		row := res.Logits.Data[i*vocab : (i+1)*vocab]
		out.Logits[i] = row
		out.Argmax[i] = argmax(row)
	}
	s.log.Debug("forward", "session", sess.ID, "tokens", len(req.Tokens), "position", res.Position, "elapsed", res.Elapsed)
	return c.JSON(http.StatusOK, out)
}

func argmax(xs []float32) int {
	best := 0
	for i, v := range xs {
		if v > xs[best] {
			best = i
		}
	}
	return best
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if r == nil {
		return out, io.EOF
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	err := dec.Decode(&out)
	return out, err
}
