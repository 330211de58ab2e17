package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/intensity/internal/behavior"
)

// triggerRequest is the body of POST /agents/{agentID}/triggers. The agent
// comes from the path; occurred_at defaults to the time of receipt.
type triggerRequest struct {
	BehaviorType string    `json:"behavior_type"`
	TriggerType  string    `json:"trigger_type"`
	Weight       float64   `json:"weight"`
	DetectedText string    `json:"detected_text"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func (req triggerRequest) event(agentID string) (behavior.TriggerEvent, error) {
	bt, err := behavior.ParseType(req.BehaviorType)
	if err != nil {
		return behavior.TriggerEvent{}, err
	}
	tt, err := behavior.ParseTriggerType(req.TriggerType)
	if err != nil {
		return behavior.TriggerEvent{}, err
	}
	at := req.OccurredAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return behavior.TriggerEvent{
		AgentID:      agentID,
		BehaviorType: bt,
		TriggerType:  tt,
		Weight:       req.Weight,
		DetectedText: req.DetectedText,
		OccurredAt:   at,
	}, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json: %v", behavior.ErrInvalidArgument, err)
	}
	return nil
}

func behaviorParam(r *http.Request) (behavior.Type, error) {
	return behavior.ParseType(chi.URLParam(r, "behavior"))
}

func (s *Server) handleSubmitTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ev, err := req.event(chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	res, err := s.engine.SubmitTrigger(r.Context(), ev)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	Events []struct {
		AgentID string `json:"agent_id"`
		triggerRequest
	} `json:"events"`
}

type batchResult struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Status int    `json:"status"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	// Events that fail to parse keep their slot so results line up with input.
	events := make([]behavior.TriggerEvent, len(req.Events))
	parseErrs := make([]error, len(req.Events))
	var valid []behavior.TriggerEvent
	var index []int
	for i, e := range req.Events {
		events[i], parseErrs[i] = e.event(e.AgentID)
		if parseErrs[i] == nil {
			valid = append(valid, events[i])
			index = append(index, i)
		}
	}

	items, err := s.engine.SubmitBatch(r.Context(), valid)

	out := make([]batchResult, len(req.Events))
	for i, perr := range parseErrs {
		if perr != nil {
			out[i] = batchResult{Error: perr.Error(), Status: statusFor(perr)}
		}
	}
	for j, item := range items {
		i := index[j]
		if item.Err != nil {
			out[i] = batchResult{Error: item.Err.Error(), Status: statusFor(item.Err)}
			continue
		}
		out[i] = batchResult{Result: item.Result, Status: http.StatusOK}
	}

	status := http.StatusOK
	if err != nil {
		status = statusFor(err)
	}
	writeJSON(w, status, map[string]any{"results": out})
}

func (s *Server) handleAgentState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.GetAgentState(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.GetSafetySnapshot(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	bt, err := behaviorParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.engine.Profile(r.Context(), chi.URLParam(r, "agentID"), bt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleEnsureProfile(w http.ResponseWriter, r *http.Request) {
	bt, err := behaviorParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.engine.EnsureProfile(r.Context(), chi.URLParam(r, "agentID"), bt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateParams(w http.ResponseWriter, r *http.Request) {
	bt, err := behaviorParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var params behavior.Params
	if err := decode(r, &params); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.engine.UpdateParameters(r.Context(), chi.URLParam(r, "agentID"), bt, params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	bt, err := behaviorParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	p, err := s.engine.ResetBehavior(r.Context(), chi.URLParam(r, "agentID"), bt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeleteBehavior(w http.ResponseWriter, r *http.Request) {
	bt, err := behaviorParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.DeleteBehavior(r.Context(), chi.URLParam(r, "agentID"), bt); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	bt, err := behaviorParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var q behavior.HistoryQuery
	if v := r.URL.Query().Get("since"); v != "" {
		q.Since, q.AfterSeq, err = behavior.ParseSince(v)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, err = strconv.Atoi(v)
		if err != nil {
			s.writeError(w, fmt.Errorf("%w: limit: %v", behavior.ErrInvalidArgument, err))
			return
		}
	}

	entries, err := s.engine.History(r.Context(), chi.URLParam(r, "agentID"), bt, q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{
		"count":   len(entries),
		"entries": entries,
	}
	if len(entries) > 0 {
		resp["next"] = entries[len(entries)-1].Cursor()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCurve(w http.ResponseWriter, r *http.Request) {
	bt, err := behaviorParam(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	points, err := s.engine.Curve(r.Context(), chi.URLParam(r, "agentID"), bt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Analytics(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
