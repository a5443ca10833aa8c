package agent

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/llm"
)

// StuckReason names the heuristic that detected a loop.
type StuckReason string

const (
	StuckExactRepeat    StuckReason = "exact_repeat"
	StuckHighSimilarity StuckReason = "high_similarity"
	StuckRepeatedTool   StuckReason = "repeated_tool_calls"
	StuckClarification  StuckReason = "clarification_loop"
)

var clarificationPattern = regexp.MustCompile(`(?i)(could you (please )?(clarify|provide|specify|explain)|can you (please )?(clarify|provide|specify|explain)|i need (more )?(information|details|clarification)|please (clarify|provide more|specify)|what (exactly )?do you (mean|want)|unclear what)`)

// Detector watches a sliding window of responses and tool calls for an
// agent that is going in circles. Not safe for concurrent use; each
// control loop owns one.
type Detector struct {
	window    int
	threshold float64
	responses []string
	toolSigs  []string
}

// NewDetector creates a detector. Window defaults to 3, threshold to 0.8.
func NewDetector(cfg config.StuckConfig) *Detector {
	d := &Detector{window: cfg.Window, threshold: cfg.SimilarityThreshold}
	if d.window < 2 {
		d.window = 3
	}
	if d.threshold <= 0 || d.threshold > 1 {
		d.threshold = 0.8
	}
	return d
}

// Record adds one model turn. Empty text is not a response for the text
// heuristics; each tool call counts as one invocation.
func (d *Detector) Record(content string, calls []llm.ToolCall) {
	if text := strings.TrimSpace(content); text != "" {
		d.responses = appendWindow(d.responses, text, d.window)
	}
	for _, c := range calls {
		d.toolSigs = appendWindow(d.toolSigs, callSignature(c), d.window)
	}
}

// Reset clears the window, used after a nudge so the same history does not
// trip again immediately.
func (d *Detector) Reset() {
	d.responses = nil
	d.toolSigs = nil
}

// Check reports whether any heuristic trips.
func (d *Detector) Check() (StuckReason, bool) {
	if len(d.responses) == d.window {
		if allEqual(d.responses) {
			return StuckExactRepeat, true
		}
		if d.similar() {
			return StuckHighSimilarity, true
		}
		if allClarifications(d.responses) {
			return StuckClarification, true
		}
	}
	if len(d.toolSigs) == d.window && allEqual(d.toolSigs) {
		return StuckRepeatedTool, true
	}
	return "", false
}

// similar reports whether every pair in the window has word-set overlap at
// or above the threshold.
func (d *Detector) similar() bool {
	sets := make([]map[string]struct{}, len(d.responses))
	for i, r := range d.responses {
		sets[i] = wordSet(r)
	}
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			if jaccard(sets[i], sets[j]) < d.threshold {
				return false
			}
		}
	}
	return true
}

func appendWindow(buf []string, v string, n int) []string {
	buf = append(buf, v)
	if len(buf) > n {
		buf = buf[len(buf)-n:]
	}
	return buf
}

func allEqual(xs []string) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}

func allClarifications(xs []string) bool {
	for _, x := range xs {
		if !clarificationPattern.MatchString(x) {
			return false
		}
	}
	return true
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}`")
		if w != "" {
			set[w] = struct{}{}
		}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// callSignature is the tool name plus a hash of the canonical arguments.
func callSignature(c llm.ToolCall) string {
	sum := sha256.Sum256(canonicalArgs(c.Arguments))
	return c.Name + ":" + hex.EncodeToString(sum[:8])
}

// canonicalArgs re-encodes args with sorted object keys and no whitespace.
// Numbers keep their literal form. Invalid JSON is hashed as is.
func canonicalArgs(args json.RawMessage) []byte {
	dec := json.NewDecoder(bytes.NewReader(args))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return args
	}
	out, err := json.Marshal(v)
	if err != nil {
		return args
	}
	return out
}

func nudgeFor(reason StuckReason) string {
	switch reason {
	case StuckExactRepeat:
		return "You have sent the same response several times in a row. Stop repeating yourself: take a different concrete step or finish the task."
	case StuckHighSimilarity:
		return "Your recent responses are nearly identical and the task is not advancing. Try a different approach."
	case StuckRepeatedTool:
		return "You keep calling the same tool with the same arguments and getting the same result. Use what you already have or try something else."
	case StuckClarification:
		return "No further clarification is available. Make reasonable assumptions, state them, and proceed with the task."
	}
	return "You appear to be stuck. Take a different approach."
}
