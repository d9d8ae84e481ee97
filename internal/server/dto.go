package server

import (
	"planline/internal/domain"
	"planline/internal/engine"
)

// Request payloads

type FeatureRequest struct {
	Name     string `json:"name"`
	Priority string `json:"priority,omitempty" enum:"P0,P1,P2"`
}

type AnalyzeRequest struct {
	SessionID       *string          `json:"session_id,omitempty"`
	PRDText         string           `json:"prd_text,omitempty"`
	Features        []FeatureRequest `json:"features"`
	RosterCSV       string           `json:"roster_csv"`
	BudgetCSV       string           `json:"budget_csv"`
	BudgetCeiling   *float64         `json:"budget_ceiling,omitempty"`
	DeadlineSprints int              `json:"deadline_sprints"`
}

type ChatRequest struct {
	Message string `json:"message"`
}

type ReviseRequest struct {
	Intent string                   `json:"intent" enum:"adjust_budget,adjust_deadline,cut_features,reassign_task,review,confirm,general_query"`
	Params domain.InstructionParams `json:"params"`
}

// Response payloads

type SessionResponse struct {
	ID        string       `json:"id"`
	Status    string       `json:"status" enum:"drafting,confirmed"`
	Plan      *domain.Plan `json:"plan,omitempty"`
	CreatedAt string       `json:"created_at" format:"date-time"`
	UpdatedAt string       `json:"updated_at" format:"date-time"`
}

type SessionSummaryResponse struct {
	ID        string  `json:"id"`
	Status    string  `json:"status" enum:"drafting,confirmed"`
	Verdict   string  `json:"verdict,omitempty"`
	TotalCost float64 `json:"total_cost,omitempty"`
	Tasks     int     `json:"tasks"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type ChatResponse struct {
	SessionID string       `json:"session_id"`
	Intent    string       `json:"intent"`
	Action    string       `json:"action" enum:"replanned,confirmed,info"`
	Response  string       `json:"response"`
	Plan      *domain.Plan `json:"plan,omitempty"`
}

type RevisionResponse struct {
	Seq       int    `json:"seq"`
	Intent    string `json:"intent"`
	Params    string `json:"params_json"`
	AppliedAt string `json:"applied_at" format:"date-time"`
}

type EventResponse struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Payload   string `json:"payload_json"`
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		ID:        s.ID,
		Status:    s.Status,
		Plan:      s.Plan,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func sessionSummary(s domain.Session) SessionSummaryResponse {
	out := SessionSummaryResponse{
		ID:        s.ID,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.Plan != nil {
		out.Verdict = s.Plan.Verdict
		out.TotalCost = s.Plan.TotalCost
		out.Tasks = len(s.Plan.Tasks)
	}
	return out
}

func mapSessions(items []domain.Session) []SessionSummaryResponse {
	out := make([]SessionSummaryResponse, 0, len(items))
	for _, s := range items {
		out = append(out, sessionSummary(s))
	}
	return out
}

func chatResponse(r engine.ChatResult) ChatResponse {
	return ChatResponse{
		SessionID: r.SessionID,
		Intent:    r.Intent,
		Action:    r.Action,
		Response:  r.Response,
		Plan:      r.Plan,
	}
}

func mapRevisions(items []domain.Revision) []RevisionResponse {
	out := make([]RevisionResponse, 0, len(items))
	for _, rev := range items {
		out = append(out, RevisionResponse{
			Seq:       rev.Seq,
			Intent:    rev.Intent,
			Params:    rev.Params,
			AppliedAt: rev.AppliedAt,
		})
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		out = append(out, EventResponse{
			ID:        evt.ID,
			TS:        evt.TS,
			Type:      evt.Type,
			SessionID: evt.SessionID,
			Payload:   evt.Payload,
		})
	}
	return out
}
