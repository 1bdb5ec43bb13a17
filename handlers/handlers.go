package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/upb/backoffice-authz/utils"
	"go.uber.org/zap"
)

// pathUUID parses a chi URL parameter, writing a 400 when it is malformed
func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := utils.ParseUUID(chi.URLParam(r, param), param)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return uuid.Nil, false
	}
	return id, true
}

// decodeRequest decodes and validates a JSON body, writing a 400 on failure
func decodeRequest(w http.ResponseWriter, r *http.Request, dst interface{}, logger *zap.Logger) bool {
	if err := utils.DecodeJSON(r, dst); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return false
	}
	if err := utils.ValidateStruct(dst); err != nil {
		HandleValidationError(w, err, logger)
		return false
	}
	return true
}

// queryInt reads a positive integer query parameter, falling back to def
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &utils.ValidationError{
			Message: "Validation failed",
			Fields:  map[string]string{name: name + " must be a non-negative integer"},
		}
	}
	return n, nil
}

// queryBool reads an optional boolean query parameter
func queryBool(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, &utils.ValidationError{
			Message: "Validation failed",
			Fields:  map[string]string{name: name + " must be true or false"},
		}
	}
	return &b, nil
}
