// Package api exposes the service, the mesh layer and the energy dashboard
// over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nadmax/deferd/internal/apperrors"
	"github.com/nadmax/deferd/internal/dashboard"
	"github.com/nadmax/deferd/internal/httputil"
	"github.com/nadmax/deferd/internal/mesh"
	"github.com/nadmax/deferd/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type API struct {
	service     *service.Service
	peers       *mesh.Registry
	delegations *mesh.Delegator
	votes       *mesh.Voting
	dashboard   *dashboard.Dashboard
	mux         *http.ServeMux
	logger      *zap.Logger
}

// Mesh groups the optional peer-to-peer components. Routes of nil members
// are not registered.
type Mesh struct {
	Peers       *mesh.Registry
	Delegations *mesh.Delegator
	Votes       *mesh.Voting
}

func NewAPI(svc *service.Service, m Mesh, dash *dashboard.Dashboard, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	api := &API{
		service:     svc,
		peers:       m.Peers,
		delegations: m.Delegations,
		votes:       m.Votes,
		dashboard:   dash,
		mux:         http.NewServeMux(),
		logger:      logger.Named("api"),
	}

	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.mux.HandleFunc("POST /api/tasks", a.createTask)
	a.mux.HandleFunc("GET /api/tasks", a.listTasks)
	a.mux.HandleFunc("GET /api/tasks/{id}", a.getTask)
	a.mux.HandleFunc("GET /api/tasks/{id}/decisions", a.getDecisions)
	a.mux.HandleFunc("POST /api/tasks/{id}/feedback", a.recordFeedback)
	a.mux.HandleFunc("GET /api/history", a.getHistory)
	a.mux.HandleFunc("GET /api/status", a.getStatus)
	a.mux.HandleFunc("POST /api/whitelist/{name}", a.addToWhitelist)
	a.mux.HandleFunc("DELETE /api/whitelist/{name}", a.removeFromWhitelist)

	if a.peers != nil {
		a.mux.HandleFunc("POST /api/peers", a.announcePeer)
		a.mux.HandleFunc("GET /api/peers", a.listPeers)
		a.mux.HandleFunc("GET /api/peers/candidates", a.peerCandidates)
		a.mux.HandleFunc("GET /api/peers/{id}", a.getPeer)
		a.mux.HandleFunc("POST /api/peers/{id}/heartbeat", a.heartbeat)
		a.mux.HandleFunc("POST /api/peers/{id}/maintenance", a.maintenance)
	}
	if a.delegations != nil {
		a.mux.HandleFunc("POST /api/delegations", a.offerDelegation)
		a.mux.HandleFunc("GET /api/delegations/{id}", a.getDelegation)
		a.mux.HandleFunc("POST /api/delegations/{id}/{action}", a.delegationAction)
	}
	if a.votes != nil {
		a.mux.HandleFunc("POST /api/votes", a.openVote)
		a.mux.HandleFunc("GET /api/votes/{id}", a.getVote)
		a.mux.HandleFunc("POST /api/votes/{id}/ballots", a.castBallot)
	}

	if a.dashboard != nil {
		a.mux.HandleFunc("GET /api/dashboard/energy", a.dashboard.GetEnergy)
		a.mux.HandleFunc("GET /api/dashboard/history", a.dashboard.GetRecentTasks)
	}

	a.mux.Handle("GET /metrics", promhttp.Handler())
	a.mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer func() {
		if err := r.Body.Close(); err != nil {
			a.logger.Warn("failed to close request body", zap.Error(err))
		}
	}()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteJSONError(w, "Failed to read request body", http.StatusBadRequest)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		httputil.WriteJSONError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindMeshConflict, apperrors.KindVoteClosed:
		return http.StatusConflict
	case apperrors.KindPolicyDenied:
		return http.StatusForbidden
	case apperrors.KindPersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	message := err.Error()
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.Message != "" {
		message = appErr.Message
	}
	httputil.WriteJSONError(w, message, status)
}
