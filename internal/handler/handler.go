package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fredhsu/reviewloop/internal/grading"
	"github.com/fredhsu/reviewloop/internal/model"
	"github.com/fredhsu/reviewloop/internal/session"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	sessions   *session.Manager
	orch       *grading.Orchestrator
	aggregator *grading.Aggregator
}

// New creates a new Handler.
func New(sessions *session.Manager, orch *grading.Orchestrator, agg *grading.Aggregator) *Handler {
	return &Handler{sessions: sessions, orch: orch, aggregator: agg}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sessions", h.handleStartSession)
	r.Get("/sessions/{sessionID}", h.handleSessionStatus)
	r.Delete("/sessions/{sessionID}", h.handleTerminateSession)
	r.Get("/sessions/{sessionID}/next", h.handleNextItem)
	r.Post("/sessions/{sessionID}/items/{itemID}/answers", h.handleSubmitAnswers)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type startSessionResponse struct {
	SessionID  string    `json:"session_id"`
	TotalItems int       `json:"total_items"`
	Warnings   []string  `json:"warnings,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (h *Handler) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Start(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrNoDueItems) {
			writeError(w, http.StatusConflict, "no items are due for review")
			return
		}
		slog.Error("start session", "error", err)
		writeError(w, http.StatusInternalServerError, "could not start session")
		return
	}

	writeJSON(w, http.StatusCreated, startSessionResponse{
		SessionID:  sess.ID,
		TotalItems: len(sess.ItemIDs),
		Warnings:   sess.Warnings,
		ExpiresAt:  sess.ExpiresAt,
	})
}

type sessionStatusResponse struct {
	SessionID string    `json:"session_id"`
	Cursor    int       `json:"cursor"`
	Total     int       `json:"total"`
	Warnings  []string  `json:"warnings,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	writeJSON(w, http.StatusOK, sessionStatusResponse{
		SessionID: sess.ID,
		Cursor:    sess.Cursor,
		Total:     len(sess.ItemIDs),
		Warnings:  sess.Warnings,
		CreatedAt: sess.CreatedAt,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (h *Handler) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	h.sessions.Terminate(chi.URLParam(r, "sessionID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleNextItem(w http.ResponseWriter, r *http.Request) {
	next, err := h.sessions.Advance(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("advance session", "error", err)
		writeError(w, http.StatusInternalServerError, "could not fetch next item")
		return
	}

	writeJSON(w, http.StatusOK, next)
}

type submitAnswersRequest struct {
	Answers     []model.AnswerSubmission `json:"answers"`
	Mode        string                   `json:"mode"`
	Concurrency int                      `json:"concurrency"`
}

type submitAnswersResponse struct {
	Results        []model.GradingResult  `json:"results"`
	ModeUsed       model.ProcessingMode   `json:"processing_mode_used"`
	ElapsedMillis  int64                  `json:"elapsed_ms"`
	FallbackReason string                 `json:"fallback_reason,omitempty"`
	ItemFinalized  bool                   `json:"item_finalized"`
	NextState      *model.SchedulingState `json:"next_state,omitempty"`
}

func (h *Handler) handleSubmitAnswers(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	itemID, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item ID")
		return
	}

	var req submitAnswersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Answers) == 0 {
		writeError(w, http.StatusBadRequest, "answers cannot be empty")
		return
	}

	mode, err := model.ParseProcessingMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	questions, err := h.sessions.Questions(sessionID, itemID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusNotFound, "item has no questions in this session")
		return
	}

	results, metrics := h.orch.Grade(r.Context(), grading.Request{
		SessionID:   sessionID,
		ItemID:      itemID,
		Questions:   questions,
		Answers:     req.Answers,
		Mode:        mode,
		Concurrency: req.Concurrency,
	})

	resp := submitAnswersResponse{
		Results:        results,
		ModeUsed:       metrics.ModeUsed,
		ElapsedMillis:  metrics.Elapsed.Milliseconds(),
		FallbackReason: metrics.FallbackReason,
	}

	for _, res := range results {
		st, err := h.aggregator.Record(sessionID, itemID, len(questions), res)
		if err != nil {
			// Losing the scheduling commit would lose review credit;
			// the item stays retryable and the client is told.
			slog.Error("rating aggregation failed", "session", sessionID, "item", itemID, "error", err)
			writeError(w, http.StatusInternalServerError, "grading succeeded but the review could not be recorded")
			return
		}
		if st != nil {
			resp.ItemFinalized = true
			resp.NextState = st
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
