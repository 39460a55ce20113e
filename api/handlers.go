/*
handlers.go - HTTP API handlers for the eco task leaderboard

PURPOSE:
  Exposes the completion ledger, score cache and leaderboard over REST.
  Handles HTTP request/response and JSON serialization, and delegates
  everything else to the engine. Callers are already authenticated; the
  user id in the path is trusted.

ENDPOINTS:
  Tasks:
    GET    /api/tasks                         List catalog with completion counts
    POST   /api/tasks                         Create or update a task
    GET    /api/tasks/{id}                    Get task
    GET    /api/categories                    Distinct task categories

  Users:
    GET    /api/users                         List directory
    POST   /api/users                         Create or update a user
    GET    /api/users/{id}                    Get user
    DELETE /api/users/{id}                    Remove from directory

  Ledger:
    POST   /api/users/{id}/completions        Record completion (201 new, 200 repeat)
    GET    /api/users/{id}/completions        User's completions, insertion order
    GET    /api/completions?window=           Completions inside a rolling window

  Scores:
    GET    /api/users/{id}/score              Cached running total
    POST   /api/users/{id}/score/reconcile    Rebuild from the ledger

  Leaderboard:
    GET    /api/leaderboard?window=&country=&limit=&offset=
           ("timeSpan" is accepted for "window")

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown user or task
  - 409: Task points change after completions exist
  - 503: Lookup timeout or unresolved insert conflict (Retry-After set)
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - seed.go: Demo data loader
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/ecoboard/engine"
	"github.com/warp/ecoboard/logging"
	"github.com/warp/ecoboard/metrics"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is the storage the API needs beyond the engine interfaces:
// catalog and directory management plus a health check.
type Backend interface {
	engine.CompletionStore
	engine.ScoreStore
	engine.TaskCatalog
	engine.UserDirectory

	SaveTask(ctx context.Context, t engine.Task) error
	ListTasks(ctx context.Context) ([]engine.Task, error)
	ListCategories(ctx context.Context) ([]string, error)
	CountCompletionsByTask(ctx context.Context) (map[engine.TaskID]int, error)
	SaveUser(ctx context.Context, u engine.User) error
	ListUsers(ctx context.Context) ([]engine.User, error)
	DeleteUser(ctx context.Context, id engine.UserID) error
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   Backend
	Ledger  *engine.Ledger
	Scores  *engine.Accumulator
	Board   *engine.Aggregator
	Metrics *metrics.Metrics

	log *logging.Logger
}

// NewHandler wires a handler around an already-built ledger and
// accumulator. m may be nil.
func NewHandler(store Backend, ledger *engine.Ledger, scores *engine.Accumulator, m *metrics.Metrics, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.New("api")
	}
	return &Handler{
		Store:   store,
		Ledger:  ledger,
		Scores:  scores,
		Board:   engine.NewAggregator(ledger),
		Metrics: m,
		log:     log,
	}
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Store.ListTasks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list tasks", err)
		return
	}
	counts, err := h.Store.CountCompletionsByTask(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to count completions", err)
		return
	}
	dtos := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		dtos[i] = toTaskDTO(t)
		dtos[i].Completions = counts[t.ID]
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Store.GetTask(r.Context(), engine.TaskID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to get task", err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(task))
}

// CreateTask creates or updates a catalog entry.
// POST /api/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	task := engine.Task{
		ID:       engine.TaskID(req.ID),
		Title:    req.Title,
		Category: req.Category,
		Points:   req.Points,
	}
	if err := h.Store.SaveTask(r.Context(), task); err != nil {
		h.writeEngineError(w, "Failed to save task", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(task))
}

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.Store.ListCategories(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list categories", err)
		return
	}
	if cats == nil {
		cats = []string{}
	}
	writeJSON(w, http.StatusOK, cats)
}

// =============================================================================
// USER HANDLERS
// =============================================================================

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users", err)
		return
	}
	dtos := make([]UserDTO, len(users))
	for i, u := range users {
		dtos[i] = toUserDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUser(r.Context(), engine.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, "Failed to get user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(user))
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	user := engine.User{
		ID:          engine.UserID(req.ID),
		DisplayName: req.DisplayName,
		Country:     req.Country,
	}
	if err := h.Store.SaveUser(r.Context(), user); err != nil {
		h.writeEngineError(w, "Failed to save user", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(user))
}

// DeleteUser removes a directory entry. The ledger keeps the user's
// completions; they stop counting on leaderboards.
// DELETE /api/users/{id}
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteUser(r.Context(), engine.UserID(chi.URLParam(r, "id"))); err != nil {
		h.writeEngineError(w, "Failed to delete user", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// RecordCompletion marks a task complete for the user in the path.
// POST /api/users/{id}/completions
//
// Repeats are not errors: the original record comes back with 200.
func (h *Handler) RecordCompletion(w http.ResponseWriter, r *http.Request) {
	userID := engine.UserID(chi.URLParam(r, "id"))

	var req RecordCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, isNew, err := h.Ledger.RecordCompletion(r.Context(), userID, engine.TaskID(req.TaskID))
	if err != nil {
		h.Metrics.CompletionFailed()
		h.writeEngineError(w, "Failed to record completion", err)
		return
	}
	h.Metrics.CompletionRecorded(isNew)

	dto := toCompletionDTO(rec)
	dto.IsNew = &isNew
	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, dto)
}

// ListUserCompletions returns the user's completions in insertion order.
// GET /api/users/{id}/completions
func (h *Handler) ListUserCompletions(w http.ResponseWriter, r *http.Request) {
	userID := engine.UserID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetUser(r.Context(), userID); err != nil {
		h.writeEngineError(w, "Failed to list completions", err)
		return
	}

	recs, err := engine.Collect(h.Ledger.ListCompletions(r.Context(), userID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list completions", err)
		return
	}
	writeJSON(w, http.StatusOK, toCompletionDTOs(recs))
}

// ListWindowCompletions returns every completion inside a rolling window,
// oldest first.
// GET /api/completions?window=week
func (h *Handler) ListWindowCompletions(w http.ResponseWriter, r *http.Request) {
	window := engine.ParseWindow(windowParam(r))
	from, to := window.Bounds(h.Ledger.Now())

	recs, err := engine.Collect(h.Ledger.ListCompletionsInWindow(r.Context(), from, to))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list completions", err)
		return
	}
	writeJSON(w, http.StatusOK, toCompletionDTOs(recs))
}

func toCompletionDTOs(recs []engine.CompletionRecord) []CompletionDTO {
	dtos := make([]CompletionDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toCompletionDTO(rec)
	}
	return dtos
}

// =============================================================================
// SCORE HANDLERS
// =============================================================================

// GetScore returns the cached total. Users without completions score 0.
// GET /api/users/{id}/score
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	userID := engine.UserID(chi.URLParam(r, "id"))
	total, err := h.Scores.GetScore(r.Context(), userID)
	if err != nil {
		h.writeEngineError(w, "Failed to get score", err)
		return
	}
	writeJSON(w, http.StatusOK, ScoreDTO{UserID: string(userID), Total: total})
}

// ReconcileScore rebuilds the cached total from the ledger.
// POST /api/users/{id}/score/reconcile
func (h *Handler) ReconcileScore(w http.ResponseWriter, r *http.Request) {
	userID := engine.UserID(chi.URLParam(r, "id"))
	res, err := h.Scores.Reconcile(r.Context(), userID)
	if err != nil {
		h.writeEngineError(w, "Failed to reconcile score", err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileDTO{
		UserID:   string(res.UserID),
		Cached:   res.Cached,
		HadCache: res.HadCache,
		Ledger:   res.Ledger,
		Diverged: res.Diverged,
	})
}

// =============================================================================
// LEADERBOARD HANDLER
// =============================================================================

// GetLeaderboard ranks users over a rolling window.
// GET /api/leaderboard?window=month&country=Sweden&limit=10&offset=0
//
// Unknown or missing window values mean all time.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := nonNegativeInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	offset, err := nonNegativeInt(q.Get("offset"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid offset", err)
		return
	}

	query := engine.LeaderboardQuery{
		Window:  engine.ParseWindow(windowParam(r)),
		Country: q.Get("country"),
		Limit:   limit,
		Offset:  offset,
	}

	start := time.Now()
	board, err := h.Board.Leaderboard(r.Context(), query)
	h.Metrics.LeaderboardQuery(query.Window.String(), time.Since(start))
	if err != nil {
		h.writeEngineError(w, "Failed to build leaderboard", err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaderboardResponse(board))
}

// windowParam reads "window", falling back to the older "timeSpan" name.
func windowParam(r *http.Request) string {
	q := r.URL.Query()
	if v := q.Get("window"); v != "" {
		return v
	}
	return q.Get("timeSpan")
}

func nonNegativeInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

// =============================================================================
// HEALTH
// =============================================================================

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Storage unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		h.log.Warnf("%s: %v", message, err)
	case http.StatusInternalServerError:
		h.log.Errorf("%s: %v", message, err)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrPointsImmutable):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidInput):
		return http.StatusBadRequest
	case engine.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
