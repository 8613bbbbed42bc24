package api

import (
	"net/http"
	"time"

	"github.com/nadmax/deferd/internal/apperrors"
	"github.com/nadmax/deferd/internal/httputil"
	"github.com/nadmax/deferd/internal/mesh"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
)

const component = "api"

// PeerRequest announces a peer. Durations are Go duration strings ("10m").
type PeerRequest struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	Location             string               `json:"location"`
	Energy               models.EnergyProfile `json:"energy"`
	Capacity             models.Resources     `json:"capacity"`
	Available            models.Resources     `json:"available"`
	AllowedTasks         []string             `json:"allowed_tasks"`
	MaxTaskDuration      string               `json:"max_task_duration"`
	TimeZone             string               `json:"timezone"`
	GridIntensityGPerKWh float64              `json:"grid_intensity_g_per_kwh"`
	RenewablePercent     float64              `json:"renewable_percent"`
}

type HeartbeatRequest struct {
	Available models.Resources `json:"available"`
}

type MaintenanceRequest struct {
	On bool `json:"on"`
}

type CompleteRequest struct {
	Elapsed string `json:"elapsed"`
}

type FailRequest struct {
	Reason string `json:"reason"`
}

type VoteRequest struct {
	TaskRef string   `json:"task_ref"`
	Voters  []string `json:"voters"`
	TTL     string   `json:"ttl"`
}

type BallotRequest struct {
	VoterID    string            `json:"voter_id"`
	Importance models.Importance `json:"importance"`
}

// parseDuration accepts an empty string as zero.
func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, apperrors.Validation(component, "", field+" must be a non-negative duration such as 10m")
	}
	return d, nil
}

func (a *API) announcePeer(w http.ResponseWriter, r *http.Request) {
	var req PeerRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	maxDuration, err := parseDuration("max_task_duration", req.MaxTaskDuration)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	p, err := a.peers.Announce(r.Context(), models.Peer{
		ID:                   req.ID,
		Name:                 req.Name,
		Location:             req.Location,
		Energy:               req.Energy,
		Capacity:             req.Capacity,
		Available:            req.Available,
		AllowedTasks:         req.AllowedTasks,
		MaxTaskDuration:      maxDuration,
		TimeZone:             req.TimeZone,
		GridIntensityGPerKWh: req.GridIntensityGPerKWh,
		RenewablePercent:     req.RenewablePercent,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, p)
}

func (a *API) listPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := a.peers.List(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if peers == nil {
		peers = []models.Peer{}
	}
	httputil.WriteJSON(w, http.StatusOK, peers)
}

// peerCandidates lists eligible peers for ?task=&urgency=&duration=.
func (a *API) peerCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	u, err := task.ParseUrgency(q.Get("urgency"))
	if err != nil {
		a.writeError(w, r, apperrors.Validation(component, "", err.Error()))
		return
	}
	d, err := parseDuration("duration", q.Get("duration"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	name := q.Get("task")
	if name == "" {
		a.writeError(w, r, apperrors.Validation(component, "", "task is required"))
		return
	}

	peers, err := a.peers.Candidates(r.Context(), mesh.Requirement{TaskName: name, Urgency: u, Duration: d})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if peers == nil {
		peers = []models.Peer{}
	}
	httputil.WriteJSON(w, http.StatusOK, peers)
}

func (a *API) getPeer(w http.ResponseWriter, r *http.Request) {
	p, err := a.peers.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}

func (a *API) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if err := a.peers.Heartbeat(r.Context(), r.PathValue("id"), req.Available); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) maintenance(w http.ResponseWriter, r *http.Request) {
	var req MaintenanceRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	if err := a.peers.SetMaintenance(r.Context(), r.PathValue("id"), req.On); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.getPeer(w, r)
}

func (a *API) offerDelegation(w http.ResponseWriter, r *http.Request) {
	var req mesh.Offer
	if !a.decodeJSON(w, r, &req) {
		return
	}
	d, err := a.delegations.Offer(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, d)
}

func (a *API) getDelegation(w http.ResponseWriter, r *http.Request) {
	d, err := a.delegations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, d)
}

func (a *API) delegationAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var (
		d   *models.Delegation
		err error
	)
	switch r.PathValue("action") {
	case "accept":
		d, err = a.delegations.Accept(ctx, id)
	case "start":
		d, err = a.delegations.Start(ctx, id)
	case "retract":
		d, err = a.delegations.Retract(ctx, id)
	case "complete":
		var req CompleteRequest
		if !a.decodeJSON(w, r, &req) {
			return
		}
		elapsed, perr := parseDuration("elapsed", req.Elapsed)
		if perr != nil {
			a.writeError(w, r, perr)
			return
		}
		d, err = a.delegations.Complete(ctx, id, elapsed)
	case "fail":
		var req FailRequest
		if !a.decodeJSON(w, r, &req) {
			return
		}
		d, err = a.delegations.Fail(ctx, id, req.Reason)
	default:
		httputil.WriteJSONError(w, "Unknown delegation action", http.StatusNotFound)
		return
	}

	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, d)
}

func (a *API) openVote(w http.ResponseWriter, r *http.Request) {
	var req VoteRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	ttl, err := parseDuration("ttl", req.TTL)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	v, err := a.votes.Open(r.Context(), req.TaskRef, req.Voters, ttl)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, v)
}

func (a *API) getVote(w http.ResponseWriter, r *http.Request) {
	v, err := a.votes.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, v)
}

func (a *API) castBallot(w http.ResponseWriter, r *http.Request) {
	var req BallotRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}
	b, err := a.votes.Cast(r.Context(), r.PathValue("id"), req.VoterID, req.Importance)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, b)
}
