// Package delegate is the boundary to the external text-generation
// capability. The engine treats every delegate as an untrusted function
// returning a string: callers must parse and validate the content against a
// fixed schema before it touches plan state.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrTimeout marks a delegate call that exceeded its deadline. The session
// stays in its last committed state.
var ErrTimeout = errors.New("delegate timed out")

// ErrMalformed marks a delegate response that could not be parsed into the
// expected schema.
var ErrMalformed = errors.New("delegate returned malformed response")

type Request struct {
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	// Temperature zero keeps synthesis deterministic given the same
	// delegate response on retry.
	Temperature float64
}

type Response struct {
	Content      string
	Model        string
	TokensUsed   int
	FinishReason string
}

// Delegate generates text for a single request. Implementations block until
// the response is complete or ctx is done.
type Delegate interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Func adapts a plain function to the Delegate interface; used to stub the
// classifier and synthesizer in tests.
type Func func(ctx context.Context, req Request) (Response, error)

func (f Func) Generate(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Static returns a delegate that always answers with the given content.
func Static(content string) Delegate {
	return Func(func(context.Context, Request) (Response, error) {
		return Response{Content: content, FinishReason: "stop"}, nil
	})
}

// ExtractJSON pulls the first JSON object out of a delegate response, which
// may wrap it in markdown fences or prose.
func ExtractJSON(text string) (string, error) {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		for _, segment := range strings.Split(cleaned, "```") {
			candidate := strings.TrimSpace(segment)
			candidate = strings.TrimPrefix(candidate, "json")
			candidate = strings.TrimSpace(candidate)
			if strings.HasPrefix(candidate, "{") && strings.HasSuffix(candidate, "}") {
				return candidate, nil
			}
		}
	}
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start == -1 || end == -1 || end < start {
		return "", fmt.Errorf("%w: no JSON object in response", ErrMalformed)
	}
	return cleaned[start : end+1], nil
}
