// Package policy turns a captured terminal state into one decision.
// The production implementation asks an LLM; tests and degraded modes
// substitute stubs behind the Policy interface.
package policy

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nextlevelbuilder/orka/internal/capture"
	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/state"
)

// Policy decides what an agent does next given what is on screen.
type Policy interface {
	Decide(ctx context.Context, req Request) (state.Decision, error)
}

// Request carries everything a policy may consider.
type Request struct {
	MasterPrompt string
	Snapshot     capture.Snapshot
	History      []state.Decision // most recent last
	AutoApprove  bool
}

// decisionPayload is the wire shape the model must produce.
type decisionPayload struct {
	Action     string  `json:"action"`
	Response   string  `json:"response"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// ParseDecision validates raw model output against the decision contract.
// Any deviation is a PolicyProtocol fault; callers degrade to a wait
// decision rather than acting on a guess.
func ParseDecision(raw string) (state.Decision, error) {
	var zero state.Decision

	text := strings.TrimSpace(raw)
	text = stripFence(text)
	if text == "" {
		return zero, faults.New(faults.PolicyProtocol, "empty policy output")
	}

	var p decisionPayload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return zero, faults.Wrap(faults.PolicyProtocol, err, "policy output is not a JSON object")
	}
	action := state.DecisionAction(p.Action)
	if !state.ValidAction(action) {
		return zero, faults.New(faults.PolicyProtocol, "unknown action %q", p.Action)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return zero, faults.New(faults.PolicyProtocol, "confidence %v outside [0, 1]", p.Confidence)
	}
	if strings.TrimSpace(p.Reason) == "" {
		return zero, faults.New(faults.PolicyProtocol, "missing reason")
	}
	if action == state.ActionRespond && strings.TrimSpace(p.Response) == "" {
		return zero, faults.New(faults.PolicyProtocol, "respond action without response text")
	}

	return state.Decision{
		Action:     action,
		Response:   p.Response,
		Reason:     p.Reason,
		Confidence: p.Confidence,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// stripFence unwraps a markdown code fence if the whole output is fenced.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	if i := strings.LastIndex(text, "```"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// FallbackWait is the decision used when the policy itself fails.
func FallbackWait(reason string) state.Decision {
	return state.Decision{
		Action:     state.ActionWait,
		Reason:     reason,
		Confidence: 0,
		Timestamp:  time.Now().UTC(),
	}
}
