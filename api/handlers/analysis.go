package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/malbeclabs/analyst/agent/pkg/workflow"
	"github.com/malbeclabs/analyst/agent/pkg/workflow/controller"
)

const sseHeartbeatInterval = 15 * time.Second

// StartAnalysisRequest is the body of POST /api/analyses.
type StartAnalysisRequest struct {
	Request string `json:"request"`
	Mode    string `json:"mode"`
}

// ResumeAnalysisRequest is the body of POST /api/analyses/{id}/resume.
type ResumeAnalysisRequest struct {
	Answer string `json:"answer"`
}

// AnalysisResponse describes a run as returned by the API.
type AnalysisResponse struct {
	*RunRecord
	Executing bool `json:"executing"`
}

// RegisterAnalysisRoutes mounts the analysis endpoints on r.
func RegisterAnalysisRoutes(r chi.Router) {
	r.Route("/api/analyses", func(r chi.Router) {
		r.Post("/", StartAnalysis)
		r.Get("/{id}", GetAnalysis)
		r.Post("/{id}/resume", ResumeAnalysis)
		r.Post("/{id}/confirm", ConfirmAnalysis)
		r.Get("/{id}/stream", StreamAnalysis)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid analysis ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// writeManagerError maps manager errors onto HTTP status codes.
func writeManagerError(w http.ResponseWriter, operation string, err error) {
	switch {
	case errors.Is(err, ErrRunNotFound):
		http.Error(w, "Analysis not found", http.StatusNotFound)
	case errors.Is(err, ErrRunBusy):
		http.Error(w, "Analysis is already executing", http.StatusConflict)
	case errors.Is(err, controller.ErrNotSuspended):
		http.Error(w, "Analysis is not waiting for this action", http.StatusConflict)
	case errors.Is(err, controller.ErrEmptyAnswer):
		http.Error(w, "Answer is required", http.StatusBadRequest)
	default:
		http.Error(w, internalError(operation, err), http.StatusInternalServerError)
	}
}

// StartAnalysis handles POST /api/analyses.
func StartAnalysis(w http.ResponseWriter, r *http.Request) {
	var req StartAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Request) == "" {
		http.Error(w, "Request is required", http.StatusBadRequest)
		return
	}
	mode, ok := controller.ParseMode(req.Mode)
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown mode %q", req.Mode), http.StatusBadRequest)
		return
	}

	rec, err := Manager.Start(r.Context(), req.Request, mode)
	if err != nil {
		writeManagerError(w, "Failed to start analysis", err)
		return
	}
	writeJSON(w, http.StatusAccepted, AnalysisResponse{RunRecord: rec, Executing: true})
}

// GetAnalysis handles GET /api/analyses/{id}.
func GetAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}
	rec, err := Manager.Store().Get(r.Context(), id)
	if err != nil {
		http.Error(w, internalError("Failed to get analysis", err), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "Analysis not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, AnalysisResponse{RunRecord: rec, Executing: Manager.IsRunning(id)})
}

// ResumeAnalysis handles POST /api/analyses/{id}/resume.
func ResumeAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}
	var req ResumeAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	rec, err := Manager.Resume(r.Context(), id, req.Answer)
	if err != nil {
		writeManagerError(w, "Failed to resume analysis", err)
		return
	}
	writeJSON(w, http.StatusAccepted, AnalysisResponse{RunRecord: rec, Executing: true})
}

// ConfirmAnalysis handles POST /api/analyses/{id}/confirm.
func ConfirmAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}
	rec, err := Manager.Confirm(r.Context(), id)
	if err != nil {
		writeManagerError(w, "Failed to confirm analysis", err)
		return
	}
	writeJSON(w, http.StatusAccepted, AnalysisResponse{RunRecord: rec, Executing: true})
}

// StreamAnalysis handles GET /api/analyses/{id}/stream. It replays the
// narration so far, follows an executing run live, and ends with a status
// event.
func StreamAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	sub, replay := Manager.Subscribe(id)
	var stored *RunRecord
	if sub == nil {
		var err error
		stored, err = Manager.Store().Get(r.Context(), id)
		if err != nil {
			http.Error(w, internalError("Failed to get analysis", err), http.StatusInternalServerError)
			return
		}
		if stored == nil {
			http.Error(w, "Analysis not found", http.StatusNotFound)
			return
		}
		replay = stored.Narration
	} else {
		defer Manager.Unsubscribe(id, sub)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sendEvent := func(eventType string, data any) {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, string(jsonData))
		flusher.Flush()
	}

	for _, e := range replay {
		sendEvent(EventNarration, e)
	}

	if sub == nil {
		sendEvent(EventStatus, statusEvent(stored.Run))
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	forward := func(event WorkflowEvent) {
		if data, ok := event.Data.(workflow.Event); ok {
			sendEvent(EventNarration, data)
			return
		}
		sendEvent(event.Type, event.Data)
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case event := <-sub.Events:
			forward(event)
		case <-sub.Done:
			// Drain what was queued before the execution ended.
			for {
				select {
				case event := <-sub.Events:
					forward(event)
				default:
					return
				}
			}
		}
	}
}
