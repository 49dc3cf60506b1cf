// internal/handler/connection_handler_test.go
package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/davetaz/dcc-io-daemon/internal/model"
)

func newConnectionRouter(t *testing.T) (*gin.Engine, *wsFixture) {
	t.Helper()
	f := newWSFixture(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := NewConnectionHandler(f.registry, f.roles, f.bus, time.Second, zap.NewNop())
	h.RegisterRoutes(router.Group("/api/v1"))
	return router, f
}

func putJSON(router *gin.Engine, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestSetRoleRouteEnablesAndDisables(t *testing.T) {
	router, f := newConnectionRouter(t)
	require.Equal(t, "station", f.roles.Holder(model.RoleThrottles))

	w := putJSON(router, "/api/v1/connections/station/roles/throttles", `{"enabled":false}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.roles.Holder(model.RoleThrottles))

	// An omitted body enables the role again.
	w = putJSON(router, "/api/v1/connections/station/roles/throttles", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "station", f.roles.Holder(model.RoleThrottles))
}

func TestSetRoleRouteConflict(t *testing.T) {
	router, f := newConnectionRouter(t)
	_, err := f.registry.CreateConnection(context.Background(), model.ConnectionConfig{ID: "spare", SystemType: "fake"})
	require.NoError(t, err)

	w := putJSON(router, "/api/v1/connections/spare/roles/throttles", `{"enabled":true}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "station", f.roles.Holder(model.RoleThrottles))

	// Disabling a role you do not hold is a no-op, not a conflict.
	w = putJSON(router, "/api/v1/connections/spare/roles/throttles", `{"enabled":false}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "station", f.roles.Holder(model.RoleThrottles))
}

func TestRemoveConnectionRouteUnknownIDIsNoOp(t *testing.T) {
	router, f := newConnectionRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/connections/ghost", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, f.registry.List(), 1)
}
