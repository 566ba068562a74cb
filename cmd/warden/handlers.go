package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/haven-chat/warden/approval"
	"github.com/haven-chat/warden/audit"
	"github.com/haven-chat/warden/engine"
	"github.com/haven-chat/warden/moderation"
	"github.com/haven-chat/warden/session"
)

func (srv *Server) registerRoutes() {
	e := srv.echo
	e.GET("/_health", srv.handleHealthCheck)

	e.POST("/sessions", srv.handleRegisterSession)
	e.POST("/sessions/:id/nick", srv.handleNickChange)
	e.GET("/resolve/:identifier", srv.handleResolve)

	e.POST("/messages/check", srv.handleCheckMessage)
	e.POST("/evaluate", srv.handleEvaluate)

	e.POST("/moderation", srv.handleApplyModeration)
	e.DELETE("/moderation", srv.handleRemoveModeration)
	e.GET("/moderation/:userID/status", srv.handleModerationStatus)

	e.POST("/operations", srv.handleRequestOperation)
	e.POST("/operations/:id/review", srv.handleReviewOperation)
	e.GET("/operations/:id", srv.handleGetOperation)

	e.GET("/audit", srv.handleAuditLog)
}

func (srv *Server) handleHealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// httpError maps the engine's error taxonomy onto status codes; anything
// unrecognized is a plain 500.
func httpError(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, approval.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInsufficientTrust):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, approval.ErrExpired):
		return echo.NewHTTPError(http.StatusGone, err.Error())
	case errors.Is(err, approval.ErrAlreadyResolved),
		errors.Is(err, approval.ErrSelfReview),
		errors.Is(err, approval.ErrDuplicateReview),
		errors.Is(err, moderation.ErrNotActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return err
	}
}

func (srv *Server) handleRegisterSession(c echo.Context) error {
	var body struct {
		UserID      string `json:"userID"`
		DisplayName string `json:"displayName"`
		DeviceID    string `json:"deviceID"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.UserID == "" || body.DisplayName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userID and displayName are required")
	}
	sess, err := srv.engine.Sessions.RegisterSession(c.Request().Context(), body.UserID, body.DisplayName, session.Metadata{
		DeviceID:   body.DeviceID,
		RemoteAddr: c.RealIP(),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sess)
}

func (srv *Server) handleNickChange(c echo.Context) error {
	var body struct {
		NewName string `json:"newName"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.NewName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "newName is required")
	}
	if err := srv.engine.ProcessNickChange(c.Request().Context(), c.Param("id"), body.NewName); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) handleResolve(c echo.Context) error {
	sess, err := srv.engine.Sessions.Resolve(c.Request().Context(), c.Param("identifier"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (srv *Server) handleCheckMessage(c echo.Context) error {
	var body struct {
		SessionID string `json:"sessionID"`
		Text      string `json:"text"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := srv.engine.ProcessMessage(c.Request().Context(), body.SessionID, body.Text)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (srv *Server) handleEvaluate(c echo.Context) error {
	var body struct {
		ActorID      string `json:"actorID"`
		Action       string `json:"action"`
		TargetUserID string `json:"targetUserID,omitempty"`
		Amount       int64  `json:"amount,omitempty"`
		OwnDataOnly  bool   `json:"ownDataOnly,omitempty"`
		Target       *struct {
			ID        string    `json:"id"`
			OwnerID   string    `json:"ownerID"`
			Kind      string    `json:"kind"`
			CreatedAt time.Time `json:"createdAt"`
		} `json:"target,omitempty"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req := engine.EvalRequest{
		ActorID:      body.ActorID,
		Action:       engine.Action(body.Action),
		TargetUserID: body.TargetUserID,
		Amount:       body.Amount,
		OwnDataOnly:  body.OwnDataOnly,
	}
	if body.Target != nil {
		req.Target = &engine.ObjectRef{
			ID:        body.Target.ID,
			OwnerID:   body.Target.OwnerID,
			Kind:      body.Target.Kind,
			CreatedAt: body.Target.CreatedAt,
		}
	}
	dec, err := srv.engine.Evaluate(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"verdict": dec.Verdict.String(),
		"reason":  dec.Reason,
	})
}

func (srv *Server) handleApplyModeration(c echo.Context) error {
	var body struct {
		Kind            string `json:"kind"`
		TargetUserID    string `json:"targetUserID"`
		ModeratorID     string `json:"moderatorID"`
		DurationSeconds *int64 `json:"durationSeconds,omitempty"`
		Reason          string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var duration *time.Duration
	if body.DurationSeconds != nil {
		d := time.Duration(*body.DurationSeconds) * time.Second
		duration = &d
	}
	err := srv.engine.ApplyModeration(c.Request().Context(), body.Kind, body.TargetUserID, body.ModeratorID, duration, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) handleRemoveModeration(c echo.Context) error {
	var body struct {
		Kind         string `json:"kind"`
		TargetUserID string `json:"targetUserID"`
		ModeratorID  string `json:"moderatorID"`
		Reason       string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	err := srv.engine.RemoveModeration(c.Request().Context(), body.Kind, body.TargetUserID, body.ModeratorID, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (srv *Server) handleModerationStatus(c echo.Context) error {
	st, err := srv.engine.GetModerationStatus(c.Request().Context(), c.Param("userID"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

// operationAction maps a queued operation onto the evaluator action it stands
// in for.
func operationAction(opType, kind string) (engine.Action, error) {
	file := kind == "file"
	switch opType {
	case approval.TypeDelete:
		if file {
			return engine.ActionDeleteFile, nil
		}
		return engine.ActionDeleteMessage, nil
	case approval.TypeEdit:
		if file {
			return engine.ActionEditFile, nil
		}
		return engine.ActionEditMessage, nil
	default:
		return "", fmt.Errorf("unsupported operation type: %s", opType)
	}
}

func (srv *Server) handleRequestOperation(c echo.Context) error {
	var body struct {
		Type            string    `json:"type"`
		TargetObjectID  string    `json:"targetObjectID"`
		TargetOwnerID   string    `json:"targetOwnerID"`
		TargetKind      string    `json:"targetKind"`
		TargetCreatedAt time.Time `json:"targetCreatedAt"`
		RequestorID     string    `json:"requestorID"`
		Reason          string    `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	action, err := operationAction(body.Type, body.TargetKind)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// the daemon enforces its own control flow: only an allow-pending verdict
	// parks an operation for review
	dec, err := srv.engine.Evaluate(c.Request().Context(), engine.EvalRequest{
		ActorID: body.RequestorID,
		Action:  action,
		Target: &engine.ObjectRef{
			ID:        body.TargetObjectID,
			OwnerID:   body.TargetOwnerID,
			Kind:      body.TargetKind,
			CreatedAt: body.TargetCreatedAt,
		},
	})
	if err != nil {
		return httpError(err)
	}
	switch dec.Verdict {
	case engine.VerdictDeny:
		return echo.NewHTTPError(http.StatusForbidden, dec.Reason)
	case engine.VerdictAllow:
		// no approval needed, nothing to park
		return c.JSON(http.StatusOK, dec)
	}

	op, err := srv.engine.RequestOperation(c.Request().Context(), body.Type, approval.Target{
		ObjectID: body.TargetObjectID,
		OwnerID:  body.TargetOwnerID,
	}, body.RequestorID, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, op)
}

func (srv *Server) handleReviewOperation(c echo.Context) error {
	var body struct {
		ModeratorID string `json:"moderatorID"`
		Decision    string `json:"decision"`
		Reason      string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	op, err := srv.engine.ReviewOperation(c.Request().Context(), c.Param("id"), body.ModeratorID, body.Decision, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, op)
}

func (srv *Server) handleGetOperation(c echo.Context) error {
	op, err := srv.engine.Approvals.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, op)
}

func (srv *Server) handleAuditLog(c echo.Context) error {
	requestorID := c.QueryParam("requestorID")
	if requestorID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "requestorID is required")
	}
	filter := audit.Filter{
		ActorID:   c.QueryParam("actorID"),
		TargetRef: c.QueryParam("targetRef"),
		Type:      c.QueryParam("type"),
	}
	ownDataOnly := c.QueryParam("ownDataOnly") == "true"
	entries, err := srv.engine.GetAuditLog(c.Request().Context(), requestorID, filter, ownDataOnly)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}
