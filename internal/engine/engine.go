package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"planline/internal/config"
	"planline/internal/delegate"
	"planline/internal/domain"
	"planline/internal/events"
	"planline/internal/planner"
	"planline/internal/repo"
)

// ErrSessionLocked rejects mutations against a confirmed session.
var ErrSessionLocked = errors.New("session is confirmed and locked")

// ErrSessionBusy rejects a second concurrent instruction for the same
// session; each session is single-writer.
var ErrSessionBusy = errors.New("session has a revision in flight")

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Delegate delegate.Delegate
	Now      func() time.Time

	locks *sessionLocks
}

func New(db *sql.DB, cfg *config.Config, d delegate.Delegate) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Delegate: d,
		Now:      time.Now,
		locks:    newSessionLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) pipeline() planner.Pipeline {
	opts := planner.Options{}
	if e.Config != nil {
		opts.SprintHours = e.Config.Planning.SprintHours
		opts.MaxTasks = e.Config.Planning.MaxTasks
		opts.MaxTokens = e.Config.Delegate.MaxTokens
	}
	return planner.Pipeline{Delegate: e.Delegate, Options: opts, Now: e.Now}
}

type sessionLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{held: map[string]bool{}}
}

func (l *sessionLocks) acquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[id] {
		return false
	}
	l.held[id] = true
	return true
}

func (l *sessionLocks) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}

// AnalyzeOptions are parameters for the initial analysis run.
type AnalyzeOptions struct {
	SessionID string
	Snapshot  domain.Snapshot
	// Diagnostics collected while loading inputs, surfaced on the initial plan.
	Diagnostics []string
}

// Analyze creates a session, runs the full pipeline (including synthesis),
// and commits the initial plan. The snapshot is stored read-only with the
// session so later revisions never see another session's edits.
func (e Engine) Analyze(ctx context.Context, opts AnalyzeOptions) (domain.Session, error) {
	snap := opts.Snapshot
	if len(snap.Features) == 0 {
		return domain.Session{}, errors.New("at least one feature is required")
	}
	if len(snap.Staff) == 0 {
		return domain.Session{}, errors.New("a non-empty roster is required")
	}
	if snap.BudgetCeiling <= 0 {
		return domain.Session{}, errors.New("budget ceiling must be positive")
	}
	if snap.DeadlineSprints < 1 {
		return domain.Session{}, errors.New("deadline horizon must be at least one sprint")
	}

	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if !e.locks.acquire(id) {
		return domain.Session{}, ErrSessionBusy
	}
	defer e.locks.release(id)

	plan, err := e.pipeline().Run(ctx, snap)
	if err != nil {
		return domain.Session{}, err
	}
	if len(opts.Diagnostics) > 0 {
		plan.Diagnostics = append(append([]string(nil), opts.Diagnostics...), plan.Diagnostics...)
	}

	now := e.now().UTC().Format(time.RFC3339)
	s := domain.Session{
		ID:        id,
		Status:    domain.SessionDrafting,
		Snapshot:  snap,
		Plan:      &plan,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Session{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "session.create", s.ID, events.EventPayload{"status": s.Status}); err != nil {
		return domain.Session{}, err
	}
	if err := e.Events.Append(ctx, tx, "plan.commit", s.ID, planEventPayload(plan)); err != nil {
		return domain.Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// ChatResult is one turn's outcome.
type ChatResult struct {
	SessionID string       `json:"session_id"`
	Intent    string       `json:"intent"`
	Action    string       `json:"action" enum:"replanned,confirmed,info"`
	Response  string       `json:"response"`
	Plan      *domain.Plan `json:"plan,omitempty"`
}

// Chat classifies a natural-language message into an instruction and applies
// it. Classification output is untrusted; anything outside the closed intent
// set is treated as a general query.
func (e Engine) Chat(ctx context.Context, sessionID, message string) (ChatResult, error) {
	if !e.locks.acquire(sessionID) {
		return ChatResult{}, ErrSessionBusy
	}
	defer e.locks.release(sessionID)

	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return ChatResult{}, err
	}
	instr, err := classify(ctx, e.Delegate, s, message, e.maxTokens())
	if err != nil {
		return ChatResult{}, err
	}
	return e.dispatch(ctx, s, instr)
}

// Revise applies an already-classified instruction, bypassing the delegate
// classifier. This is the deterministic entry point the chat flow reduces to.
func (e Engine) Revise(ctx context.Context, sessionID string, instr domain.Instruction) (ChatResult, error) {
	if !e.locks.acquire(sessionID) {
		return ChatResult{}, ErrSessionBusy
	}
	defer e.locks.release(sessionID)

	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return ChatResult{}, err
	}
	return e.dispatch(ctx, s, instr)
}

// Confirm marks the session terminal. Confirming twice is a no-op.
func (e Engine) Confirm(ctx context.Context, sessionID string) (ChatResult, error) {
	return e.Revise(ctx, sessionID, domain.Instruction{Intent: domain.IntentConfirm})
}

func (e Engine) dispatch(ctx context.Context, s domain.Session, instr domain.Instruction) (ChatResult, error) {
	switch {
	case instr.Intent == domain.IntentConfirm:
		return e.confirm(ctx, s)
	case instr.Intent == domain.IntentReview:
		return ChatResult{
			SessionID: s.ID,
			Intent:    instr.Intent,
			Action:    "info",
			Response:  reviewSummary(s),
			Plan:      s.Plan,
		}, nil
	case domain.MutatingIntent(instr.Intent):
		return e.applyRevision(ctx, s, instr)
	default:
		return e.answerQuery(ctx, s, instr)
	}
}

func (e Engine) confirm(ctx context.Context, s domain.Session) (ChatResult, error) {
	res := ChatResult{
		SessionID: s.ID,
		Intent:    domain.IntentConfirm,
		Action:    "confirmed",
		Response:  "Plan confirmed. The committed plan is now read-only for downstream consumers.",
		Plan:      s.Plan,
	}
	if s.Status == domain.SessionConfirmed {
		return res, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ChatResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetSessionStatusTx(ctx, tx, s.ID, domain.SessionConfirmed, now); err != nil {
		return ChatResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "session.confirm", s.ID, nil); err != nil {
		return ChatResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ChatResult{}, err
	}
	return res, nil
}

// applyRevision runs the reducer on a copy of the session inputs, replays
// the pipeline, and commits plan + history only if everything succeeded. A
// failed or rejected turn leaves the committed state untouched.
func (e Engine) applyRevision(ctx context.Context, s domain.Session, instr domain.Instruction) (ChatResult, error) {
	if s.Status == domain.SessionConfirmed {
		return ChatResult{}, ErrSessionLocked
	}
	if s.Plan == nil {
		return ChatResult{}, fmt.Errorf("session %s has no committed plan", s.ID)
	}

	snap, tasks, err := planner.Apply(s.Snapshot, s.Plan.Tasks, instr)
	if err != nil {
		e.recordRejection(ctx, s.ID, instr, err)
		return ChatResult{}, err
	}
	plan := e.pipeline().Replan(snap, tasks, nil)

	seq, err := e.Repo.NextRevisionSeq(ctx, s.ID)
	if err != nil {
		return ChatResult{}, err
	}
	params, err := json.Marshal(instr.Params)
	if err != nil {
		return ChatResult{}, fmt.Errorf("marshal revision params: %w", err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	s.Snapshot = snap
	s.Plan = &plan
	s.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ChatResult{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSessionTx(ctx, tx, s); err != nil {
		return ChatResult{}, err
	}
	if err := e.Repo.InsertRevisionTx(ctx, tx, domain.Revision{
		SessionID: s.ID,
		Seq:       seq,
		Intent:    instr.Intent,
		Params:    string(params),
		AppliedAt: now,
	}); err != nil {
		return ChatResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "revision.apply", s.ID, events.EventPayload{"intent": instr.Intent, "seq": seq}); err != nil {
		return ChatResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "plan.commit", s.ID, planEventPayload(plan)); err != nil {
		return ChatResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ChatResult{}, err
	}

	return ChatResult{
		SessionID: s.ID,
		Intent:    instr.Intent,
		Action:    "replanned",
		Response:  fmt.Sprintf("Applied %s and re-ran the analysis. Verdict: %s.", instr.Intent, plan.Verdict),
		Plan:      &plan,
	}, nil
}

// recordRejection logs a rejected revision without touching session state.
func (e Engine) recordRejection(ctx context.Context, sessionID string, instr domain.Instruction, cause error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "revision.reject", sessionID, events.EventPayload{
		"intent": instr.Intent,
		"reason": cause.Error(),
	}); err != nil {
		return
	}
	_ = tx.Commit()
}

func (e Engine) maxTokens() int {
	if e.Config != nil && e.Config.Delegate.MaxTokens > 0 {
		return e.Config.Delegate.MaxTokens
	}
	return 2048
}

func planEventPayload(p domain.Plan) events.EventPayload {
	return events.EventPayload{
		"verdict":    p.Verdict,
		"total_cost": p.TotalCost,
		"tasks":      len(p.Tasks),
		"unassigned": len(p.Unassigned),
	}
}

func reviewSummary(s domain.Session) string {
	p := s.Plan
	if p == nil {
		return fmt.Sprintf("Session %s has no committed plan yet.", s.ID)
	}
	return fmt.Sprintf(
		"%d tasks across %d sprint(s); total cost $%.2f of $%.2f (remaining $%.2f); %d unassigned; verdict %s.",
		len(p.Tasks), p.HorizonSprints, p.TotalCost, p.BudgetCeiling, p.RemainingBudget, len(p.Unassigned), p.Verdict,
	)
}
