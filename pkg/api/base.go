// Package api serves the dispatch operations and confirmation links over HTTP.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/jakechorley/escort-dispatch/pkg/core/model"
)

type errorResponse struct {
	Error     string                 `json:"error"`
	Message   string                 `json:"message"`
	Riders    []string               `json:"riders,omitempty"`
	Conflicts []model.ConflictDetail `json:"conflicts,omitempty"`
	Fields    map[string]string      `json:"fields,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, code, msg string) {
	writeJSON(c, status, errorResponse{Error: code, Message: msg})
}

// writeDispatchError maps an error kind to its HTTP status
func writeDispatchError(c *gin.Context, err error) {
	var de *model.Error
	if !errors.As(err, &de) {
		writeError(c, http.StatusInternalServerError, "internal", "internal error")
		return
	}

	resp := errorResponse{Error: string(de.Kind), Message: de.Message, Riders: de.Riders, Conflicts: de.Conflicts}
	switch de.Kind {
	case model.KindValidation:
		writeJSON(c, http.StatusBadRequest, resp)
	case model.KindConflict:
		writeJSON(c, http.StatusConflict, resp)
	case model.KindConcurrency:
		writeJSON(c, http.StatusServiceUnavailable, resp)
	case model.KindUnresolvedReference:
		writeJSON(c, http.StatusUnprocessableEntity, resp)
	case model.KindToken:
		resp.Message = err.Error()
		writeJSON(c, http.StatusBadRequest, resp)
	default:
		// store failures carry backend detail that stays in the logs
		writeError(c, http.StatusInternalServerError, string(de.Kind), "the record store is unavailable, please retry")
	}
}

// bindAndValidate binds a JSON body and runs struct validation. It writes the
// 400 itself and the caller returns on error.
func bindAndValidate(c *gin.Context, out any, v *validator.Validate) error {
	if err := c.ShouldBindJSON(out); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request_body", err.Error())
		return err
	}
	if err := v.Struct(out); err != nil {
		fields := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				fields[fe.Field()] = fe.Tag()
			}
		} else {
			fields["error"] = err.Error()
		}
		writeJSON(c, http.StatusBadRequest, errorResponse{Error: "validation_failed", Message: "request body is invalid", Fields: fields})
		return err
	}
	return nil
}
