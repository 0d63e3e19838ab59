// Package capture classifies terminal screen contents into coarse
// assistant states. Classification is pure string work over a captured
// pane snapshot; nothing here talks to the multiplexer.
package capture

import (
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/orka/internal/config"
	"github.com/nextlevelbuilder/orka/internal/faults"
)

// TerminalState is the classified state of an assistant pane.
type TerminalState string

const (
	StateIdle             TerminalState = "idle_awaiting_input"
	StateRunning          TerminalState = "running"
	StatePermissionPrompt TerminalState = "permission_prompt"
	StateCrashed          TerminalState = "crashed"
	StateUnknown          TerminalState = "unknown"
)

// Snapshot is the result of classifying one pane capture.
type Snapshot struct {
	State TerminalState
	// Attention scores how much the screen needs a supervisor, 0 to 1.
	// Watchdog polls act only above the agent's attention threshold.
	Attention float64
	// Prompt holds the matched permission prompt line when
	// State == StatePermissionPrompt.
	Prompt string
	// Tail is the trailing non-empty lines that were examined,
	// ANSI-stripped, oldest first.
	Tail []string
	// Raw is the full cleaned capture text.
	Raw string
}

// attentionScore rates a classified state. A pending prompt or a crash
// always clears any threshold; a busy assistant never does.
func attentionScore(s TerminalState) float64 {
	switch s {
	case StatePermissionPrompt, StateCrashed:
		return 1
	case StateIdle:
		return 0.8
	case StateRunning:
		return 0
	default:
		return 0.4
	}
}

// ansiEscape matches CSI and OSC escape sequences.
var ansiEscape = regexp.MustCompile(`\x1b(?:\[[0-9;?]*[a-zA-Z]|\][^\x07\x1b]*(?:\x07|\x1b\\))`)

// Engine compiles the configured markers once and classifies captures.
// Rebuilt on config reload; an Engine itself is immutable and safe for
// concurrent use.
type Engine struct {
	markerLines int
	prompts     []*regexp.Regexp
	spinners    []*regexp.Regexp
	carets      []*regexp.Regexp
	errors      []*regexp.Regexp
}

// NewEngine compiles the capture rules. A pattern that fails to compile
// fails the whole engine; bad config should surface at startup, not at
// classification time.
func NewEngine(rules config.CaptureConfig) (*Engine, error) {
	e := &Engine{markerLines: rules.MarkerLines}
	if e.markerLines <= 0 {
		e.markerLines = 15
	}
	var err error
	if e.prompts, err = compileAll(rules.PromptPatterns); err != nil {
		return nil, faults.Wrap(faults.Validation, err, "prompt pattern")
	}
	if e.spinners, err = compileAll(rules.SpinnerMarkers); err != nil {
		return nil, faults.Wrap(faults.Validation, err, "spinner marker")
	}
	if e.carets, err = compileAll(rules.CaretMarkers); err != nil {
		return nil, faults.Wrap(faults.Validation, err, "caret marker")
	}
	if e.errors, err = compileAll(rules.ErrorMarkers); err != nil {
		return nil, faults.Wrap(faults.Validation, err, "error marker")
	}
	return e, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// Classify inspects a raw pane capture. Precedence when markers overlap:
// crash evidence wins, then a pending permission prompt, then spinner
// activity, then an idle input caret. Anything else is unknown rather
// than a guess.
func (e *Engine) Classify(raw string) Snapshot {
	snap := e.classify(raw)
	snap.Attention = attentionScore(snap.State)
	return snap
}

func (e *Engine) classify(raw string) Snapshot {
	clean := ansiEscape.ReplaceAllString(raw, "")
	clean = strings.ReplaceAll(clean, "\r", "")
	tail := tailLines(clean, e.markerLines)

	snap := Snapshot{State: StateUnknown, Tail: tail, Raw: clean}
	if len(tail) == 0 {
		// A blank screen usually means the process is gone.
		snap.State = StateCrashed
		return snap
	}

	for _, line := range tail {
		for _, re := range e.errors {
			if re.MatchString(line) {
				snap.State = StateCrashed
				return snap
			}
		}
	}
	for _, line := range tail {
		for _, re := range e.prompts {
			if re.MatchString(line) {
				snap.State = StatePermissionPrompt
				snap.Prompt = ClipLine(line, 120)
				return snap
			}
		}
	}
	for _, line := range tail {
		for _, re := range e.spinners {
			if re.MatchString(line) {
				snap.State = StateRunning
				return snap
			}
		}
	}
	for _, line := range tail {
		for _, re := range e.carets {
			if re.MatchString(line) {
				snap.State = StateIdle
				return snap
			}
		}
	}
	return snap
}

// tailLines returns the last n non-empty lines, oldest first.
func tailLines(text string, n int) []string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(out) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		out = append(out, lines[i])
	}
	// Reverse into screen order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// ClipLine truncates a line to the given display width, accounting for
// wide runes, and appends an ellipsis when clipped.
func ClipLine(line string, width int) string {
	line = strings.TrimSpace(line)
	if runewidth.StringWidth(line) <= width {
		return line
	}
	return runewidth.Truncate(line, width-1, "…")
}

// Excerpt renders the examined tail as one block for policy context.
func (s Snapshot) Excerpt() string {
	return strings.Join(s.Tail, "\n")
}
