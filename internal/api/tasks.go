package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nadmax/deferd/internal/httputil"
	"github.com/nadmax/deferd/internal/service"
	"go.uber.org/zap"
)

type TaskRequest struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
	Urgency string         `json:"urgency"`
}

type FeedbackRequest struct {
	Kind string `json:"kind"`
	Note string `json:"note"`
}

// SubmitErrorResponse is returned when the verdict was reached but could not
// be stored or enqueued.
type SubmitErrorResponse struct {
	Error      string              `json:"error"`
	Submission *service.Submission `json:"submission"`
}

func (a *API) createTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}

	sub, err := a.service.Submit(r.Context(), req.Name, req.Payload, req.Urgency)
	if err != nil {
		if sub != nil {
			a.logger.Error("submission not persisted", zap.String("task_id", sub.TaskID), zap.Error(err))
			httputil.WriteJSON(w, statusFor(err), SubmitErrorResponse{Error: err.Error(), Submission: sub})
			return
		}
		a.writeError(w, r, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, sub)
}

func parseLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	a.getHistory(w, r)
}

func (a *API) getHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		httputil.WriteJSONError(w, "Invalid limit parameter", http.StatusBadRequest)
		return
	}

	tasks, err := a.service.GetHistory(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tasks)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.service.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (a *API) getDecisions(w http.ResponseWriter, r *http.Request) {
	recs, err := a.service.Decisions(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, recs)
}

func (a *API) recordFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}

	fb, err := a.service.RecordFeedback(r.Context(), r.PathValue("id"), req.Kind, req.Note)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, fb)
}

func (a *API) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.service.GetStatus(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, st)
}

func (a *API) addToWhitelist(w http.ResponseWriter, r *http.Request) {
	a.changeWhitelist(w, r, a.service.AddToWhitelist)
}

func (a *API) removeFromWhitelist(w http.ResponseWriter, r *http.Request) {
	a.changeWhitelist(w, r, a.service.RemoveFromWhitelist)
}

func (a *API) changeWhitelist(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, name string) error) {
	if err := apply(r.Context(), r.PathValue("name")); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.getStatus(w, r)
}
