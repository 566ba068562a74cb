package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-chat/warden/approval"
	"github.com/haven-chat/warden/engine"
	"github.com/haven-chat/warden/trust"
)

func testServer(t *testing.T, scores map[string]int) *Server {
	eng := engine.EngineTestFixture()
	eng.Trust = trust.NewStaticProvider(scores)
	e := echo.New()
	e.HideBanner = true
	srv := &Server{
		logger: slog.Default(),
		engine: eng,
		echo:   e,
	}
	srv.registerRoutes()
	return srv
}

func postJSON(srv *Server, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func operationBody(opType, objectID, ownerID, requestorID string, createdAt time.Time) string {
	return fmt.Sprintf(`{
		"type": %q, "targetObjectID": %q, "targetOwnerID": %q,
		"targetKind": "message", "targetCreatedAt": %q,
		"requestorID": %q, "reason": "cleanup"
	}`, opType, objectID, ownerID, createdAt.Format(time.RFC3339), requestorID)
}

func TestRequestOperationGatedOnVerdict(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t, map[string]int{"carol": 45, "bob": 45})
	old := time.Now().UTC().Add(-2 * time.Hour)

	// a non-owner without moderator trust is refused outright
	rec := postJSON(srv, "/operations", operationBody(approval.TypeDelete, "msg/abc", "bob", "carol", old))
	assert.Equal(http.StatusForbidden, rec.Code)

	// the owner past the immediate window gets parked for review
	rec = postJSON(srv, "/operations", operationBody(approval.TypeDelete, "msg/own", "carol", "carol", old))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var op struct {
		ID     string
		Status string
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &op))
	assert.Equal(approval.StatusPending, op.Status)
	assert.NotEmpty(op.ID)

	// inside the immediate window nothing is parked; the caller may act now
	fresh := time.Now().UTC().Add(-time.Minute)
	rec = postJSON(srv, "/operations", operationBody(approval.TypeDelete, "msg/new", "carol", "carol", fresh))
	assert.Equal(http.StatusOK, rec.Code)
	var dec engine.Decision
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dec))
	assert.Equal(engine.VerdictAllow, dec.Verdict)
}

func TestRequestOperationRejectsUnknownType(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t, map[string]int{"carol": 45})

	rec := postJSON(srv, "/operations", operationBody("purge", "msg/abc", "carol", "carol", time.Now().UTC()))
	assert.Equal(http.StatusBadRequest, rec.Code)
}
