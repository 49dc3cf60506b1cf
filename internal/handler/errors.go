// internal/handler/errors.go
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/davetaz/dcc-io-daemon/internal/core"
	"github.com/davetaz/dcc-io-daemon/internal/utils"
)

// coreErrorResponse maps a core error kind to its HTTP status and sends it.
func coreErrorResponse(c *gin.Context, err error) {
	utils.ErrorResponse(c, statusForError(err), err.Error(), err)
}

// statusForError maps core error kinds to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalidArgument), errors.Is(err, core.ErrUnsupportedSystemType):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrBusy), errors.Is(err, core.ErrRoleConflict):
		return http.StatusConflict
	case errors.Is(err, core.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrDriver):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
