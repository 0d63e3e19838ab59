package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/orka/internal/capture"
	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/internal/faults"
	"github.com/nextlevelbuilder/orka/internal/state"
)

const (
	defaultEndpoint  = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	historyWindow    = 10
	decisionMaxToken = 1024
)

const systemPrompt = `You supervise an interactive coding assistant running in a terminal.
Given the current screen, decide the single next action. Reply with ONLY a JSON object:
{"action": "...", "response": "...", "reason": "...", "confidence": 0.0}
Actions: respond (send response text to the assistant), approve (accept a pending permission prompt), reject (decline it), wait (do nothing this cycle), request_help (escalate to the human), compact (ask the assistant to compact its context), interrupt (stop the current run).
Rules: "respond" requires non-empty response text. confidence is in [0,1]. Never approve a prompt you were not shown. When unsure, wait.`

// LLMPolicy asks a chat-completions backend for decisions.
type LLMPolicy struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
	retry    RetryConfig
}

// NewLLMPolicy builds a policy from config. The API key comes from the
// environment; it is never persisted.
func NewLLMPolicy(cfg config.PolicyConfig) *LLMPolicy {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLMPolicy{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   &http.Client{Timeout: timeout},
		retry:    DefaultRetryConfig(),
	}
}

// Decide sends the screen context to the model and parses its verdict.
func (p *LLMPolicy) Decide(ctx context.Context, req Request) (state.Decision, error) {
	var zero state.Decision
	if p.apiKey == "" {
		return zero, faults.New(faults.Validation, "policy API key is not set")
	}

	body := p.buildRequestBody(req)
	text, err := RetryDo(ctx, p.retry, func() (string, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return zero, classifyTransport(err)
	}
	return ParseDecision(text)
}

func (p *LLMPolicy) buildRequestBody(req Request) map[string]any {
	var b strings.Builder
	b.WriteString("Master prompt:\n")
	b.WriteString(req.MasterPrompt)
	b.WriteString("\n\nTerminal state: ")
	b.WriteString(string(req.Snapshot.State))
	if req.Snapshot.State == capture.StatePermissionPrompt {
		fmt.Fprintf(&b, "\nPending prompt: %s", req.Snapshot.Prompt)
		if req.AutoApprove {
			b.WriteString("\nAuto-approve is enabled for this agent.")
		}
	}
	b.WriteString("\n\nScreen (trailing lines):\n")
	b.WriteString(req.Snapshot.Excerpt())

	history := req.History
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	if len(history) > 0 {
		b.WriteString("\n\nRecent decisions (oldest first):\n")
		for _, d := range history {
			fmt.Fprintf(&b, "- %s (%.2f): %s\n", d.Action, d.Confidence, d.Reason)
		}
	}

	return map[string]any{
		"model":      p.model,
		"max_tokens": decisionMaxToken,
		"system":     systemPrompt,
		"messages": []map[string]any{
			{"role": "user", "content": b.String()},
		},
	}
}

func (p *LLMPolicy) doRequest(ctx context.Context, body map[string]any) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("policy: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.endpoint+"/messages", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("policy: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("policy: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &HTTPError{
			Status:     resp.StatusCode,
			Body:       string(respBody),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", faults.Wrap(faults.PolicyProtocol, err, "decode policy response")
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), nil
}

// classifyTransport maps request failures onto fault kinds.
func classifyTransport(err error) error {
	if faults.KindOf(err) != faults.Internal {
		return err
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return faults.Wrap(faults.BackendUnavailable, err, "policy backend rejected request")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Wrap(faults.Timeout, err, "policy request timed out")
	}
	if strings.Contains(err.Error(), "Client.Timeout") {
		return faults.Wrap(faults.Timeout, err, "policy request timed out")
	}
	return faults.Wrap(faults.BackendUnavailable, err, "policy backend unreachable")
}
