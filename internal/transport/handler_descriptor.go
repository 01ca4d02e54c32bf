package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/datagrid/internal/metadata"
	"github.com/pitabwire/datagrid/internal/session"
	"github.com/pitabwire/datagrid/model"
)

// handleDescriptor serves the resolved view descriptor of an entity. With
// ?view_id= the columns discovered by that view and its selection drive the
// column list and the command bar state.
func handleDescriptor(descriptors *metadata.DescriptorProvider, sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entity := chi.URLParam(r, "entity")

		var (
			discovered []model.Column
			selected   []string
		)
		if viewID := r.URL.Query().Get("view_id"); viewID != "" {
			s, err := lookupViewID(sessions, r, viewID)
			if err != nil {
				writeError(w, r, err)
				return
			}
			if s.Entity() != entity {
				writeError(w, r, model.NewBadRequestError("view "+viewID+" shows a different entity"))
				return
			}
			discovered = s.Columns()
			selected = s.Selected()
		}

		desc, err := descriptors.GetDescriptor(entity, PrivilegesFrom(r.Context()), discovered, selected)
		if err != nil {
			writeError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, desc)
	}
}
