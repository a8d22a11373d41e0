package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/dispatch/externaladapter"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/events"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/httpapi/wsrelay"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/logging"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/metrics"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/quota"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/registry"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/repository"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/supervisor"
)

// Server holds the dependencies every REST/EAP/WebSocket handler needs.
// Handlers are plain methods rather than closures so the file layout can
// mirror the teacher's one-handler-per-resource style.
type Server struct {
	gate              *quota.Gate
	sessions          repository.SessionRepository
	uow               repository.UnitOfWork
	registry          *registry.Registry
	bus               *events.Bus
	supervisor        *supervisor.Supervisor
	externalAdapters  *externaladapter.Registry
	cancels           *CancelRegistry
	log               *logging.Logger
	relay             *wsrelay.Relay
}

// Deps bundles Server's constructor arguments.
type Deps struct {
	Gate             *quota.Gate
	Sessions         repository.SessionRepository
	UoW              repository.UnitOfWork
	Registry         *registry.Registry
	Bus              *events.Bus
	Supervisor       *supervisor.Supervisor
	ExternalAdapters *externaladapter.Registry
	Log              *logging.Logger
}

// NewServer builds a Server from deps.
func NewServer(deps Deps) *Server {
	return &Server{
		gate:             deps.Gate,
		sessions:         deps.Sessions,
		uow:              deps.UoW,
		registry:         deps.Registry,
		bus:              deps.Bus,
		supervisor:       deps.Supervisor,
		externalAdapters: deps.ExternalAdapters,
		cancels:          NewCancelRegistry(),
		log:              deps.Log,
		relay:            wsrelay.New(deps.Bus, deps.Log),
	}
}

// requireIdentity extracts the caller's tenant/role pair from context (see
// withAuth), writing a FORBIDDEN envelope and returning ok=false if no
// tenant identity was established at all. A present-but-viewer identity is
// left to quota.Gate.Check to evaluate per-action, matching spec §6's
// "unauthenticated reads return only public-scope data" rather than
// rejecting the request outright.
func (s *Server) requireIdentity(w http.ResponseWriter, r *http.Request) (quota.Identity, bool) {
	identity, ok := quota.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, apperrors.NewForbiddenError("anonymous", "identify via bearer token or X-Tenant-ID"))
		return quota.Identity{}, false
	}
	return identity, true
}

func parseIntParam(s string) (int, error) {
	if s == "" {
		return 0, apperrors.NewValidationError("param", "empty")
	}
	return strconv.Atoi(s)
}

// NewRouter builds the *mux.Router serving every REST, EAP, metrics, and
// WebSocket endpoint, wrapping it in auth, then CORS, with request-id
// stamping as the outermost layer so every error envelope and response
// carries one. A request passes request-id, CORS, then auth; no metrics
// middleware is installed.
func NewRouter(s *Server, jwtSecret string) http.Handler {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/sessions", s.listSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.createSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}", s.getSession).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{id}", s.deleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/sessions/{id}/start", s.startSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/pause", s.pauseSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/resume", s.resumeSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/cancel", s.cancelSession).Methods(http.MethodPost)
	api.HandleFunc("/sessions/{id}/complete", s.completeSession).Methods(http.MethodPost)

	api.HandleFunc("/agents", s.listAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents", s.registerAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}", s.getAgent).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}", s.deregisterAgent).Methods(http.MethodDelete)
	api.HandleFunc("/agents/{id}/heartbeat", s.heartbeatAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/performance", s.agentPerformance).Methods(http.MethodGet)

	api.HandleFunc("/agents/external/register", s.eapRegister).Methods(http.MethodPost)
	api.HandleFunc("/agents/external/{id}/heartbeat", s.eapHeartbeat).Methods(http.MethodPost)
	api.HandleFunc("/agents/external/{id}/task-result", s.eapTaskResult).Methods(http.MethodPost)

	r.HandleFunc("/ws/sessions/{id}", s.relay.ServeSession)
	r.HandleFunc("/ws/sessions", s.relay.ServeSessions)
	r.HandleFunc("/ws/agents/{id}", s.relay.ServeAgent)
	r.HandleFunc("/ws/agents", s.relay.ServeAgents)
	r.HandleFunc("/ws/system", s.relay.ServeSystem)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	var handler http.Handler = r
	handler = withAuth(jwtSecret, s.log)(handler)
	handler = withCORS(handler)
	handler = withRequestID(handler)
	return handler
}

// Service fits NewRouter's handler into the lifecycle.Manager's
// Start/Stop discipline, grounded on internal/app/httpapi/service.go.
type Service struct {
	addr   string
	server *http.Server
	log    *logging.Logger
}

// NewService builds the lifecycle-managed HTTP service.
func NewService(s *Server, addr, jwtSecret string, log *logging.Logger) *Service {
	return &Service{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(s, jwtSecret),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		log: log,
	}
}

func (svc *Service) Name() string { return "httpapi" }

func (svc *Service) Start(ctx context.Context) error {
	go func() {
		if err := svc.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			svc.log.WithError(err).Error("http server stopped unexpectedly")
		}
	}()
	return nil
}

func (svc *Service) Stop(ctx context.Context) error {
	return svc.server.Shutdown(ctx)
}
