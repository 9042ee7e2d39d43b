package sequencer

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/conveyor/internal/httputil"
)

// AttachAdminRoutes mounts the live sequence status at /debug/sequence.
func (c *Controller) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("sequence", "Current conveyor sequence state", http.HandlerFunc(c.handleStatus))
}

func (c *Controller) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, c.Status())
}
