// Package transport serves the view API over HTTP: routing, the middleware
// chain and the view, command and descriptor handlers.
package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/pitabwire/datagrid/internal/observability"
	"github.com/pitabwire/datagrid/model"
)

const maxBodyBytes = 1 << 20

var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConfigInvalid:      http.StatusUnprocessableEntity,
	model.ErrViewBusy:           http.StatusConflict,
	model.ErrTooManyViews:       http.StatusTooManyRequests,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
}

// WriteJSON writes body as JSON with status. A nil body sends headers only.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError answers with the envelope err wraps. Anything else is logged
// by the caller and shown as a bare INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, err error) {
	writeError(w, nil, err)
}

// writeError also stamps the trace id of r onto a copy of the envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	env := envelopeOf(err)
	if r != nil && env.TraceID == "" {
		if id := observability.TraceIDFromContext(r.Context()); id != "" {
			stamped := *env
			stamped.TraceID = id
			env = &stamped
		}
	}
	WriteJSON(w, httpStatus(env.Code), errorResponse{Error: env})
}

func envelopeOf(err error) *model.ErrorEnvelope {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env
	}
	return model.NewInternalError()
}

func httpStatus(code string) int {
	if status, ok := statusForCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// decodeBody reads at most maxBodyBytes of JSON into v. An empty body is
// not an error and leaves v unchanged.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}
