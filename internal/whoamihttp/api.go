// Package whoamihttp serves the edge's own small API: who the edge thinks
// the caller is after the request hooks have run.
package whoamihttp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/formhub-edge/internal/auth"
	"github.com/keithlinneman/formhub-edge/internal/httpmw"
	"github.com/keithlinneman/formhub-edge/internal/locale"
	"github.com/keithlinneman/formhub-edge/internal/log"
)

// Path is where the whoami endpoint is mounted.
const Path = "/-/whoami"

// API implements the whoami endpoint
type API struct {
	logger log.Logger
	now    func() time.Time
}

// NewAPI creates a new whoami API handler
func NewAPI(logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{logger: logger, now: time.Now}
}

// RegisterRoutes attaches the whoami endpoint to the router. Only GET is
// routed, so other methods get a 405.
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(httpmw.Scope("whoami")).Get(Path, api.HandleWhoami)
}

// WhoamiResponse describes the caller as seen by the edge.
type WhoamiResponse struct {
	Username      string    `json:"username,omitempty"`
	Authenticated bool      `json:"authenticated"`
	Language      string    `json:"language,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	ServerTime    time.Time `json:"server_time"`
}

// HandleWhoami returns the principal and resolved language for the request.
func (api *API) HandleWhoami(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := WhoamiResponse{
		RequestID:  httpmw.RequestIDFromContext(ctx),
		ServerTime: api.now().UTC(),
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok && p.IsAuthenticated() {
		resp.Username = p.Username
		resp.Authenticated = true
	}
	if tag, ok := locale.FromContext(ctx); ok {
		resp.Language = tag.String()
	}

	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.FromContext(ctx).Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
