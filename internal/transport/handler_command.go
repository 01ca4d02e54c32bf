package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/datagrid/internal/observability"
	"github.com/pitabwire/datagrid/internal/session"
)

// statusConfirmationRequired is reported instead of the outcome status when
// the command waits for the caller to confirm its prompt.
const statusConfirmationRequired = "confirmation_required"

type commandRequest struct {
	Confirmed bool `json:"confirmed"`
}

type commandResponse struct {
	Status string `json:"status"`
	session.CommandResult
}

func handleCommand(sessions *session.Manager, redactFields []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := lookupView(sessions, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		key := chi.URLParam(r, "commandKey")

		var body commandRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}

		ctx, span := observability.StartSpan(r.Context(), "view.command",
			observability.AttrViewID.String(s.ID()),
			observability.AttrEntity.String(s.Entity()),
			observability.AttrCommand.String(key),
		)
		res, err := s.Execute(ctx, key, session.ExecuteRequest{
			Confirmed:  body.Confirmed,
			Privileges: PrivilegesFrom(r.Context()),
		})
		span.SetAttributes(observability.AttrCommandStatus.String(string(res.Outcome.Status)))
		observability.EndSpanWithError(span, err)
		if err != nil {
			writeError(w, r, err)
			return
		}

		logger := observability.ViewLogger(r.Context(), nil, s.ID(), s.Entity())
		if ce := logger.Check(zap.DebugLevel, "command executed"); ce != nil {
			ce.Write(
				zap.String("command", key),
				zap.String("status", string(res.Outcome.Status)),
				zap.Any("result", observability.RedactParameters(res.Outcome.Result, redactFields)),
			)
		}

		resp := commandResponse{Status: string(res.Outcome.Status), CommandResult: res}
		if res.ConfirmationRequired() {
			resp.Status = statusConfirmationRequired
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
