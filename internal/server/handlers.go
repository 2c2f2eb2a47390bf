package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-roundtable/internal/core/domain"
	"github.com/tjfontaine/polyglot-roundtable/internal/core/ports"
	"github.com/tjfontaine/polyglot-roundtable/internal/resume"
	"github.com/tjfontaine/polyglot-roundtable/internal/runtime"
)

const maxBodyBytes = 4 << 20

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error *domain.EngineError `json:"error"`
	// Decision accompanies a configuration drift conflict on attach.
	Decision *resume.Decision `json:"decision,omitempty"`
}

type pushMessagesRequest struct {
	Messages []domain.Message `json:"messages"`
}

type reportStreamRequest struct {
	RoundNumber      int  `json:"round_number"`
	ParticipantIndex int  `json:"participant_index"`
	Active           bool `json:"active"`
}

type regenerateRequest struct {
	WebSearch *bool `json:"web_search,omitempty"`
}

type timelineResponse struct {
	Items any `json:"items"`
}

type eventsResponse struct {
	Events []*domain.RoundEvent `json:"events"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStartRound(w http.ResponseWriter, r *http.Request) {
	threadID := threadParam(r)
	var req runtime.StartRoundRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.coord.StartRound(r.Context(), threadID, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "round_number", strconv.Itoa(status.RoundNumber))
	writeJSON(w, http.StatusCreated, status)
}

func (s *Server) handlePushMessages(w http.ResponseWriter, r *http.Request) {
	var req pushMessagesRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.coord.PushMessages(r.Context(), threadParam(r), req.Messages); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAppendChunk(w http.ResponseWriter, r *http.Request) {
	var chunk runtime.Chunk
	if err := decodeBody(r, &chunk); err != nil {
		s.writeError(w, r, err)
		return
	}
	messageID := chi.URLParam(r, "message_id")
	AddLogField(r.Context(), "message_id", messageID)
	if err := s.coord.AppendChunk(r.Context(), threadParam(r), messageID, chunk); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdatePhase(w http.ResponseWriter, r *http.Request) {
	var rec domain.PhaseRecord
	if err := decodeBody(r, &rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.coord.UpdatePhase(r.Context(), threadParam(r), rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReportStream(w http.ResponseWriter, r *http.Request) {
	var req reportStreamRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.coord.ReportStream(r.Context(), threadParam(r), req.RoundNumber, req.ParticipantIndex, req.Active); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.coord.Stop(r.Context(), threadParam(r), round)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req regenerateRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.coord.Regenerate(r.Context(), threadParam(r), round, req.WebSearch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	decision, err := s.coord.Attach(r.Context(), threadParam(r))
	if err != nil {
		var engErr *domain.EngineError
		if errors.As(err, &engErr) && engErr.Code == domain.ErrorCodeConfigurationDrift {
			AddError(r.Context(), err)
			writeJSON(w, engErr.HTTPStatusCode(), ErrorResponse{Error: engErr, Decision: &decision})
			return
		}
		s.writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "resume_reason", string(decision.Reason))
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleNextAction(w http.ResponseWriter, r *http.Request) {
	act, err := s.coord.NextAction(r.Context(), threadParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	items, err := s.coord.Timeline(r.Context(), threadParam(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, timelineResponse{Items: items})
}

func (s *Server) handleRoundStatus(w http.ResponseWriter, r *http.Request) {
	round, err := roundParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.coord.RoundStatus(r.Context(), threadParam(r), round)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var opts ports.EventListOptions
	q := r.URL.Query()
	if v := q.Get("round"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, domain.ErrInvalidRequest("round must be a non-negative integer").WithParam("round"))
			return
		}
		opts.RoundNumber = &n
	}
	for name, dst := range map[string]*int{"limit": &opts.Limit, "offset": &opts.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				s.writeError(w, r, domain.ErrInvalidRequest(name+" must be a non-negative integer").WithParam(name))
				return
			}
			*dst = n
		}
	}

	events, err := s.coord.Events(r.Context(), threadParam(r), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: events})
}

func threadParam(r *http.Request) string {
	threadID := chi.URLParam(r, "thread_id")
	AddLogField(r.Context(), "thread_id", threadID)
	return threadID
}

func roundParam(r *http.Request) (int, error) {
	v := chi.URLParam(r, "round")
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, domain.ErrInvalidRequest("round must be a non-negative integer").WithParam("round")
	}
	AddLogField(r.Context(), "round_number", v)
	return n, nil
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.ErrInvalidRequest("request body is required")
		}
		return domain.ErrInvalidRequest("invalid request body: " + err.Error())
	}
	return nil
}

// decodeOptionalBody accepts an empty body and leaves dst untouched.
func decodeOptionalBody(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		return domain.ErrInvalidRequest("invalid request body: " + err.Error())
	}
	return nil
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)
	var engErr *domain.EngineError
	if !errors.As(err, &engErr) {
		engErr = domain.ErrServer(err.Error())
	}
	writeJSON(w, engErr.HTTPStatusCode(), ErrorResponse{Error: engErr})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
