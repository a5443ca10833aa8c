package agent

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/aristath/taskforge/internal/llm"
)

// textCall is the JSON shape models use when they write a tool call into
// their reply instead of using native tool calling.
type textCall struct {
	Name       string          `json:"name"`
	Tool       string          `json:"tool"`
	Arguments  json.RawMessage `json:"arguments"`
	Parameters json.RawMessage `json:"parameters"`
	Function   *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func (c textCall) normalize() (string, json.RawMessage) {
	name, args := c.Name, c.Arguments
	if name == "" {
		name = c.Tool
	}
	if len(args) == 0 {
		args = c.Parameters
	}
	if c.Function != nil && name == "" {
		name, args = c.Function.Name, c.Function.Arguments
	}
	return name, normalizeArgs(args)
}

// normalizeArgs returns a JSON object. Arguments encoded as a JSON string
// are unwrapped; anything that is not an object becomes {}.
func normalizeArgs(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err == nil {
			raw = bytes.TrimSpace([]byte(inner))
		}
	}
	if len(raw) == 0 || raw[0] != '{' || !json.Valid(raw) {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

// ParseTextToolCalls extracts tool calls written as JSON objects in free
// text, e.g. inside <tool_call> tags or ```json fences. Only names for
// which known returns true are accepted.
func ParseTextToolCalls(content string, known func(string) bool) []llm.ToolCall {
	var calls []llm.ToolCall
	for i := 0; i < len(content); {
		start := strings.IndexByte(content[i:], '{')
		if start < 0 {
			break
		}
		start += i

		dec := json.NewDecoder(strings.NewReader(content[start:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			i = start + 1
			continue
		}
		end := start + int(dec.InputOffset())

		var tc textCall
		if err := json.Unmarshal(raw, &tc); err == nil {
			if name, args := tc.normalize(); name != "" && known(name) {
				calls = append(calls, llm.ToolCall{Name: name, Arguments: args, Source: llm.SourceText})
				i = end
				continue
			}
		}
		i = start + 1
	}
	return calls
}

// NormalizeCalls returns the response's tool calls in one representation.
// Native calls win; otherwise calls are parsed out of the text.
func NormalizeCalls(resp llm.Response, known func(string) bool) []llm.ToolCall {
	if len(resp.ToolCalls) > 0 {
		out := make([]llm.ToolCall, 0, len(resp.ToolCalls))
		for _, c := range resp.ToolCalls {
			out = append(out, llm.ToolCall{Name: c.Name, Arguments: normalizeArgs(c.Arguments), Source: llm.SourceStructured})
		}
		return out
	}
	return ParseTextToolCalls(resp.Content, known)
}
