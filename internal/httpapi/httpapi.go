// Package httpapi projects every subsystem onto HTTP + SSE. Handlers stay
// thin: decode the request, call the subsystem, translate domain errors to
// statuses. Subsystems that were not constructed (feature flags off) answer
// with their stable *_DISABLED code.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/dorkos-sh/dorkos/internal/agent"
	"github.com/dorkos-sh/dorkos/internal/broadcast"
	"github.com/dorkos-sh/dorkos/internal/config"
	"github.com/dorkos-sh/dorkos/internal/dorkerr"
	"github.com/dorkos-sh/dorkos/internal/mesh"
	"github.com/dorkos-sh/dorkos/internal/pulse"
	"github.com/dorkos-sh/dorkos/internal/relay"
	"github.com/dorkos-sh/dorkos/internal/transcript"
)

// Options carries the wired subsystems. Nil fields mean the subsystem is
// disabled; the matching routes answer with a *_DISABLED error.
type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Reader   *transcript.Reader
	Manager  *agent.Manager
	Caster   *broadcast.Broadcaster
	Relay    *relay.Relay
	Adapters *relay.AdapterRegistry
	Bindings *relay.BindingStore
	Mesh     *mesh.Registry
	Pulse    *pulse.Store
	Sched    *pulse.Scheduler
}

// API is the HTTP adapter over the subsystems.
type API struct {
	cfg      *config.Config
	logger   *slog.Logger
	reader   *transcript.Reader
	manager  *agent.Manager
	caster   *broadcast.Broadcaster
	relay    *relay.Relay
	adapters *relay.AdapterRegistry
	bindings *relay.BindingStore
	mesh     *mesh.Registry
	pulse    *pulse.Store
	sched    *pulse.Scheduler
	limiter  *rate.Limiter
	prod     bool
}

// New builds the API. The rate limiter throttles message sends when the
// config sets a positive RPM.
func New(opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{
		cfg:      opts.Config,
		logger:   logger.With("component", "http"),
		reader:   opts.Reader,
		manager:  opts.Manager,
		caster:   opts.Caster,
		relay:    opts.Relay,
		adapters: opts.Adapters,
		bindings: opts.Bindings,
		mesh:     opts.Mesh,
		pulse:    opts.Pulse,
		sched:    opts.Sched,
	}
	if opts.Config != nil {
		a.prod = opts.Config.IsProduction()
		if rpm := opts.Config.RateLimitRPM; rpm > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(float64(rpm))/60, rpm)
		}
	}
	return a
}

// RegisterRoutes mounts every route group on mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	a.registerSessionRoutes(mux)
	a.registerSyncRoutes(mux)
	a.registerPulseRoutes(mux)
	a.registerRelayRoutes(mux)
	a.registerMeshRoutes(mux)
	mux.HandleFunc("GET /api/config", a.handleConfig)
}

func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	tunnel := false
	if a.cfg != nil {
		tunnel = a.cfg.TunnelEnabled
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pulse":  map[string]bool{"enabled": a.pulse != nil},
		"relay":  map[string]bool{"enabled": a.relay != nil},
		"mesh":   map[string]bool{"enabled": a.mesh != nil},
		"tunnel": map[string]bool{"enabled": tunnel},
	})
}

type errorBody struct {
	Code    dorkerr.Code   `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a domain error to its status and body; anything else is a
// 500 whose message is suppressed in production.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if de := dorkerr.AsError(err); de != nil {
		a.logger.Warn("http.domain_error",
			"method", r.Method, "path", r.URL.Path, "code", de.Code, "error", de.Message)
		writeJSON(w, statusFor(de.Code), errorBody{Code: de.Code, Message: de.Message, Details: de.Details})
		return
	}
	a.logger.Error("http.internal_error", "method", r.Method, "path", r.URL.Path, "error", err)
	msg := err.Error()
	if a.prod {
		msg = "internal error"
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: dorkerr.CodeInternal, Message: msg})
}

func statusFor(code dorkerr.Code) int {
	switch code {
	case dorkerr.CodeValidationFailed, dorkerr.CodeInvalidSubject,
		dorkerr.CodePublishFailed, dorkerr.CodeRegistrationFailed, dorkerr.CodeInboxReadFailed,
		dorkerr.CodeBindingCreateFailed, dorkerr.CodeEnableFailed, dorkerr.CodeDisableFailed,
		dorkerr.CodeReloadFailed, dorkerr.CodeDiscoverFailed, dorkerr.CodeRegisterFailed,
		dorkerr.CodeDenyFailed, dorkerr.CodeUnregisterFailed:
		return http.StatusBadRequest
	case dorkerr.CodeBoundaryViolation, dorkerr.CodeAccessDenied:
		return http.StatusForbidden
	case dorkerr.CodeLocked:
		return http.StatusConflict
	case dorkerr.CodeNotFound, dorkerr.CodeEndpointNotFound:
		return http.StatusNotFound
	case dorkerr.CodeSessionLimit:
		return http.StatusTooManyRequests
	case dorkerr.CodeTimeout:
		return http.StatusGatewayTimeout
	case dorkerr.CodeCancelled:
		return http.StatusBadRequest
	case dorkerr.CodePulseDisabled, dorkerr.CodeRelayDisabled, dorkerr.CodeMeshDisabled,
		dorkerr.CodeTracingDisabled, dorkerr.CodeBindingsDisabled, dorkerr.CodeAdaptersDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decode parses the JSON body into v, mapping malformed input to a
// VALIDATION_FAILED domain error.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return dorkerr.New(dorkerr.CodeValidationFailed, "invalid JSON body: %v", err)
	}
	return nil
}

func disabled(code dorkerr.Code, name string) error {
	return dorkerr.New(code, "%s is not enabled", name)
}
