/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Catalog:     TaskDTO, CreateTaskRequest
  Directory:   UserDTO, CreateUserRequest
  Ledger:      CompletionDTO, RecordCompletionRequest
  Scores:      ScoreDTO, ReconcileDTO
  Leaderboard: LeaderboardResponse, LeaderboardEntryDTO
  Demo:        SeedResultDTO

VALIDATION:
  Validation is done in handlers and stores, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - engine/types.go: Engine types these map from
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ecoboard/engine"
)

// =============================================================================
// CATALOG / DIRECTORY
// =============================================================================

type TaskDTO struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	Points      int64  `json:"points"`
	Completions int    `json:"completions"`
}

type CreateTaskRequest struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Points   int64  `json:"points"`
}

type UserDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Country     string `json:"country,omitempty"`
}

type CreateUserRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Country     string `json:"country"`
}

// =============================================================================
// LEDGER / SCORES
// =============================================================================

type RecordCompletionRequest struct {
	TaskID string `json:"task_id"`
}

type CompletionDTO struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	TaskID      string `json:"task_id"`
	CompletedAt string `json:"completed_at"`
	IsNew       *bool  `json:"is_new,omitempty"`
}

type ScoreDTO struct {
	UserID string `json:"user_id"`
	Total  int64  `json:"total"`
}

type ReconcileDTO struct {
	UserID   string `json:"user_id"`
	Cached   int64  `json:"cached"`
	HadCache bool   `json:"had_cache"`
	Ledger   int64  `json:"ledger"`
	Diverged bool   `json:"diverged"`
}

// =============================================================================
// LEADERBOARD
// =============================================================================

type LeaderboardEntryDTO struct {
	Rank        int             `json:"rank"`
	UserID      string          `json:"user_id"`
	DisplayName string          `json:"display_name"`
	Country     string          `json:"country,omitempty"`
	Score       int64           `json:"score"`
	Completions int             `json:"completions"`
	Share       decimal.Decimal `json:"share"`
}

type LeaderboardResponse struct {
	Window      string                `json:"window"`
	Country     string                `json:"country,omitempty"`
	From        string                `json:"from,omitempty"`
	To          string                `json:"to"`
	GeneratedAt string                `json:"generated_at"`
	Total       int                   `json:"total"`
	Entries     []LeaderboardEntryDTO `json:"entries"`
}

// =============================================================================
// DEMO
// =============================================================================

type SeedResultDTO struct {
	Tasks       int `json:"tasks"`
	Users       int `json:"users"`
	Completions int `json:"completions"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// MAPPERS
// =============================================================================

func toTaskDTO(t engine.Task) TaskDTO {
	return TaskDTO{ID: string(t.ID), Title: t.Title, Category: t.Category, Points: t.Points}
}

func toUserDTO(u engine.User) UserDTO {
	return UserDTO{ID: string(u.ID), DisplayName: u.DisplayName, Country: u.Country}
}

func toCompletionDTO(rec engine.CompletionRecord) CompletionDTO {
	return CompletionDTO{
		ID:          string(rec.ID),
		UserID:      string(rec.UserID),
		TaskID:      string(rec.TaskID),
		CompletedAt: rec.CompletedAt.Format(time.RFC3339Nano),
	}
}

func toLeaderboardResponse(b engine.Leaderboard) LeaderboardResponse {
	resp := LeaderboardResponse{
		Window:      b.Window.String(),
		Country:     b.Country,
		To:          b.To.Format(time.RFC3339),
		GeneratedAt: b.GeneratedAt.Format(time.RFC3339),
		Total:       b.Total,
		Entries:     make([]LeaderboardEntryDTO, len(b.Entries)),
	}
	if !b.From.IsZero() {
		resp.From = b.From.Format(time.RFC3339)
	}
	for i, e := range b.Entries {
		resp.Entries[i] = LeaderboardEntryDTO{
			Rank:        e.Rank,
			UserID:      string(e.UserID),
			DisplayName: e.DisplayName,
			Country:     e.Country,
			Score:       e.Score,
			Completions: e.Completions,
			Share:       e.Share,
		}
	}
	return resp
}
