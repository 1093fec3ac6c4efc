package httpapi

import (
	"net/http"

	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/transport"
)

func (a *API) registerSyncRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sync", a.handleSyncStream)
}

// handleSyncStream forwards debounced transcript sync_update events until
// the client disconnects.
func (a *API) handleSyncStream(w http.ResponseWriter, r *http.Request) {
	if a.caster == nil {
		a.writeError(w, r, dorkerr.New(dorkerr.CodeInternal, "broadcast is not running"))
		return
	}
	id, ch := a.caster.Subscribe()
	defer a.caster.Unsubscribe(id)

	sse := transport.NewSSEWriter(w)
	sse.SendRetry(3000)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.Send(ev); err != nil {
				return
			}
		}
	}
}
