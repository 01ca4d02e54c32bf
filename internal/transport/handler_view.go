package transport

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/datagrid/internal/observability"
	"github.com/pitabwire/datagrid/internal/session"
	"github.com/pitabwire/datagrid/internal/view"
	"github.com/pitabwire/datagrid/model"
)

func handleOpenView(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			writeError(w, r, model.NewUnauthorizedError("missing request context"))
			return
		}

		var req session.OpenRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		if req.Entity == "" {
			writeError(w, r, model.NewBadRequestError("entity is required"))
			return
		}
		if ps := PrivilegesFrom(r.Context()); ps != nil &&
			!ps.HasAll(model.EntityPrivilege(req.Entity, model.PrivilegeRead)) {
			writeError(w, r, model.NewForbiddenError("insufficient privileges for entity "+strconv.Quote(req.Entity)))
			return
		}
		req.Owner = rctx.Owner()

		ctx, span := observability.StartSpan(r.Context(), "view.open",
			observability.AttrEntity.String(req.Entity),
			observability.AttrTenantID.String(rctx.TenantID),
			observability.AttrSubjectID.String(rctx.SubjectID),
		)
		s, err := sessions.Open(ctx, req)
		if err == nil {
			span.SetAttributes(observability.AttrViewID.String(s.ID()))
		}
		observability.EndSpanWithError(span, err)
		if err != nil {
			writeError(w, r, err)
			return
		}
		observability.ViewLogger(r.Context(), nil, s.ID(), s.Entity()).Info("view opened")

		st, err := s.State(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Location", "/ui/views/"+s.ID())
		WriteJSON(w, http.StatusCreated, st)
	}
}

func handleGetView(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := lookupView(sessions, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if queryBool(r, "wait") {
			if err := s.Wait(r.Context()); err != nil {
				writeError(w, r, model.NewBackendTimeoutError())
				return
			}
		}
		st, err := s.State(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

func handleViewEvent(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := lookupView(sessions, r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, r, model.NewBadRequestError("unreadable request body"))
			return
		}
		msg, err := view.DecodeEvent(data)
		if err != nil {
			writeError(w, r, model.NewBadRequestError(err.Error()))
			return
		}

		ctx, span := observability.StartSpan(r.Context(), "view.event",
			observability.AttrViewID.String(s.ID()),
			observability.AttrEntity.String(s.Entity()),
		)
		st, err := s.Dispatch(ctx, msg)
		observability.EndSpanWithError(span, err)
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

func handleViewOutput(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := lookupView(sessions, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out, found, err := s.Output(r.Context())
		if err != nil {
			observability.LoggerFrom(r.Context(), nil).Warn("reading view output failed",
				zap.String("view_id", s.ID()), zap.Error(err))
			writeError(w, r, model.NewBackendUnavailableError())
			return
		}
		if !found {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		WriteJSON(w, http.StatusOK, out)
	}
}

func handleCloseView(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := lookupView(sessions, r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := sessions.Close(r.Context(), s.ID()); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// lookupView returns the view named in the path. Views opened by another
// caller are reported as missing.
func lookupView(sessions *session.Manager, r *http.Request) (*session.Session, error) {
	return lookupViewID(sessions, r, chi.URLParam(r, "viewId"))
}

func lookupViewID(sessions *session.Manager, r *http.Request, id string) (*session.Session, error) {
	s, err := sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if s.Owner() != model.RequestContextFrom(r.Context()).Owner() {
		return nil, model.NewNotFoundError("view " + strconv.Quote(id) + " not found")
	}
	return s, nil
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}
