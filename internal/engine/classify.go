package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"planline/internal/delegate"
	"planline/internal/domain"
)

const classifySystemPrompt = `You are a delivery planning assistant. Parse the user's intent and ` +
	`respond with ONLY a JSON object. No explanations, no markdown.`

// classify asks the delegate which intent a chat message carries. The output
// is an untrusted enum: any label outside the closed set falls back to
// general_query, and malformed responses surface as retryable errors with no
// state change.
func classify(ctx context.Context, d delegate.Delegate, s domain.Session, message string, maxTokens int) (domain.Instruction, error) {
	resp, err := d.Generate(ctx, delegate.Request{
		SystemPrompt: classifySystemPrompt,
		Prompt:       classifyPrompt(s, message),
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return domain.Instruction{}, err
	}
	raw, err := delegate.ExtractJSON(resp.Content)
	if err != nil {
		return domain.Instruction{}, err
	}
	var parsed struct {
		Intent string                   `json:"intent"`
		Params domain.InstructionParams `json:"params"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return domain.Instruction{}, fmt.Errorf("%w: %v", delegate.ErrMalformed, err)
	}
	intent := strings.ToLower(strings.TrimSpace(parsed.Intent))
	if !domain.KnownIntent(intent) {
		intent = domain.IntentGeneralQuery
	}
	return domain.Instruction{Intent: intent, Params: parsed.Params, Message: message}, nil
}

func classifyPrompt(s domain.Session, message string) string {
	var features []string
	for _, f := range s.Snapshot.Features {
		features = append(features, f.Name)
	}
	var staff []string
	for _, m := range s.Snapshot.Staff {
		staff = append(staff, m.Name)
	}
	return fmt.Sprintf(`Parse the user's intent from this message:
%q

Current plan: %s
Features: %s
Staff: %s

Determine which action they want:
1. adjust_budget - change the budget ceiling (params.budget = absolute USD amount)
2. adjust_deadline - change the deadline (params.deadline_sprints = absolute sprint count)
3. cut_features - remove features (params.features = exact feature names to remove)
4. reassign_task - move tasks between people (params.assignments = {"TASK-001": "staff name"})
5. review - they want a summary of the current plan
6. confirm - they are ready to confirm the plan
7. general_query - anything else

Respond with ONLY a JSON object:
{"intent": "one of the above", "params": {"budget": 0, "deadline_sprints": 0, "features": [], "assignments": {}}}
Omit params you did not extract.`,
		message, reviewSummary(s), strings.Join(features, ", "), strings.Join(staff, ", "))
}

// answerQuery handles general questions about the plan by delegating a short
// answer over the plan summary. Nothing is mutated.
func (e Engine) answerQuery(ctx context.Context, s domain.Session, instr domain.Instruction) (ChatResult, error) {
	prompt := fmt.Sprintf("The user asked: %q\n\nCurrent plan summary: %s\n\nProvide a helpful, concise response (2-3 sentences max).",
		instr.Message, reviewSummary(s))
	resp, err := e.Delegate.Generate(ctx, delegate.Request{Prompt: prompt, MaxTokens: e.maxTokens()})
	if err != nil {
		return ChatResult{}, err
	}
	return ChatResult{
		SessionID: s.ID,
		Intent:    domain.IntentGeneralQuery,
		Action:    "info",
		Response:  strings.TrimSpace(resp.Content),
		Plan:      s.Plan,
	}, nil
}
