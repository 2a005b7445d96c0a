package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ironscout.dev/feedcore/security"
)

// Server mounts the admin action surface as a JSON HTTP API. Public:
// /healthz and /metrics. Everything under /v1/admin requires a bearer
// token issued and validated by the shared JWTService.
type Server struct {
	Actions *Actions
	JWT     *security.JWTService
}

// SetupRoutes registers all routes on e.
func (s *Server) SetupRoutes(e *echo.Echo) {
	e.GET("/healthz", s.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.POST("/auth/token", s.GenerateToken)

	protected := e.Group("/v1/admin")
	protected.Use(echojwt.WithConfig(echojwt.Config{
		TokenLookup: "header:Authorization:Bearer ",
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			return s.JWT.ValidateToken(auth)
		},
	}))

	protected.POST("/feeds/:id/enable", s.feedAction(s.Actions.Enable))
	protected.POST("/feeds/:id/pause", s.feedAction(s.Actions.Pause))
	protected.POST("/feeds/:id/reenable", s.feedAction(s.Actions.Reenable))
	protected.POST("/feeds/:id/run", s.feedAction(s.Actions.TriggerManualRun))
	protected.POST("/feeds/:id/reset", s.feedAction(s.Actions.ResetFeedState))
	protected.POST("/feeds/:id/reprocess", s.feedAction(s.Actions.ForceReprocess))
	protected.POST("/feeds/:id/test", s.feedAction(s.Actions.TestFeedConnection))
	protected.POST("/feeds/:id/next-run", s.UpdateNextRunAt)

	protected.POST("/runs/:id/approve", s.ApproveActivation)
	protected.POST("/runs/:id/ignore", s.IgnoreRun)
	protected.POST("/runs/:id/unignore", s.UnignoreRun)

	protected.PUT("/sources/:sourceId/trust", s.UpdateTrustConfig)
	protected.PUT("/settings/:key", s.SetSetting)
}

// GenerateToken issues a bearer token for an operator identity. The
// identity itself is asserted by the caller; real authorization sits in
// front of this service.
func (s *Server) GenerateToken(c echo.Context) error {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := c.Bind(&req); err != nil || req.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}
	token, err := s.JWT.GenerateToken(req.UserID, 24*time.Hour)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "token generation failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

// Health reports liveness.
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func respond(c echo.Context, r Result) error {
	status := http.StatusOK
	if !r.Success {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, r)
}

func pathID(c echo.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

// feedAction adapts a feed-scoped Actions method to an echo handler.
func (s *Server) feedAction(fn func(ctx context.Context, feedID uint) Result) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, okID := pathID(c)
		if !okID {
			return respond(c, fail("invalid feed id"))
		}
		return respond(c, fn(c.Request().Context(), id))
	}
}

// UpdateNextRunAt handles POST /feeds/:id/next-run with body
// {"nextRunAt": "<RFC3339>"}.
func (s *Server) UpdateNextRunAt(c echo.Context) error {
	id, okID := pathID(c)
	if !okID {
		return respond(c, fail("invalid feed id"))
	}
	var body struct {
		NextRunAt time.Time `json:"nextRunAt"`
	}
	if err := c.Bind(&body); err != nil {
		return respond(c, fail("invalid body: %v", err))
	}
	return respond(c, s.Actions.UpdateNextRunAt(c.Request().Context(), id, body.NextRunAt))
}

// ApproveActivation handles POST /runs/:id/approve with body
// {"actor": "..."}.
func (s *Server) ApproveActivation(c echo.Context) error {
	id, okID := pathID(c)
	if !okID {
		return respond(c, fail("invalid run id"))
	}
	var body struct {
		Actor string `json:"actor"`
	}
	if err := c.Bind(&body); err != nil {
		return respond(c, fail("invalid body: %v", err))
	}
	return respond(c, s.Actions.ApproveActivation(c.Request().Context(), id, body.Actor))
}

// IgnoreRun handles POST /runs/:id/ignore with body
// {"actor": "...", "reason": "..."}.
func (s *Server) IgnoreRun(c echo.Context) error {
	id, okID := pathID(c)
	if !okID {
		return respond(c, fail("invalid run id"))
	}
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return respond(c, fail("invalid body: %v", err))
	}
	return respond(c, s.Actions.IgnoreRun(c.Request().Context(), id, body.Actor, body.Reason))
}

// UnignoreRun handles POST /runs/:id/unignore.
func (s *Server) UnignoreRun(c echo.Context) error {
	id, okID := pathID(c)
	if !okID {
		return respond(c, fail("invalid run id"))
	}
	return respond(c, s.Actions.UnignoreRun(c.Request().Context(), id))
}

// UpdateTrustConfig handles PUT /sources/:sourceId/trust with body
// {"upcTrusted": bool}.
func (s *Server) UpdateTrustConfig(c echo.Context) error {
	sourceID := c.Param("sourceId")
	if sourceID == "" {
		return respond(c, fail("missing source id"))
	}
	var body struct {
		UPCTrusted bool `json:"upcTrusted"`
	}
	if err := c.Bind(&body); err != nil {
		return respond(c, fail("invalid body: %v", err))
	}
	return respond(c, s.Actions.UpdateSourceTrustConfig(c.Request().Context(), sourceID, body.UPCTrusted))
}

// SetSetting handles PUT /settings/:key with body {"value": bool}.
func (s *Server) SetSetting(c echo.Context) error {
	key := c.Param("key")
	var body struct {
		Value bool `json:"value"`
	}
	if err := c.Bind(&body); err != nil {
		return respond(c, fail("invalid body: %v", err))
	}
	return respond(c, s.Actions.SetSetting(c.Request().Context(), key, body.Value))
}
