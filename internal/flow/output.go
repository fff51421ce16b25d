package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Structured output extraction.
//
// The host LLM replies with free text. For steps declaring a JSON output
// contract the engine recovers a JSON object with this sequence:
//
//  1. parse the whole reply as JSON
//  2. parse the contents of a ```json fenced block
//  3. parse the first balanced {...} substring
//  4. run jsonrepair over the best candidate and parse the result
//
// The raw text is always retained by the caller regardless of the outcome.

// ExtractStructured recovers a JSON object from an LLM reply. It returns an
// error when no object can be recovered; callers record the step output as
// absent in that case.
func ExtractStructured(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty reply")
	}

	candidates := []string{trimmed}
	if fenced, ok := fencedJSONBlock(trimmed); ok {
		candidates = append(candidates, fenced)
	}
	if balanced, ok := firstBalancedObject(trimmed); ok {
		candidates = append(candidates, balanced)
	}

	for _, c := range candidates {
		if obj, ok := parseObject(c); ok {
			return obj, nil
		}
	}

	// Last resort: repair the most promising candidate. The fenced block or
	// balanced substring is more likely to be almost-JSON than the prose
	// around it.
	repairInput := candidates[len(candidates)-1]
	repaired, err := jsonrepair.JSONRepair(repairInput)
	if err != nil {
		return nil, fmt.Errorf("no JSON object found in reply")
	}
	if obj, ok := parseObject(repaired); ok {
		return obj, nil
	}
	return nil, fmt.Errorf("no JSON object found in reply")
}

func parseObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, false
	}
	if obj == nil {
		return nil, false
	}
	return obj, true
}

// fencedJSONBlock returns the contents of the first ```json fenced code
// block, if any. A bare ``` fence is accepted too when its body starts
// with '{'.
func fencedJSONBlock(s string) (string, bool) {
	rest := s
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return "", false
		}
		rest = rest[start+3:]
		lineEnd := strings.IndexByte(rest, '\n')
		if lineEnd < 0 {
			return "", false
		}
		lang := strings.TrimSpace(rest[:lineEnd])
		body := rest[lineEnd+1:]
		end := strings.Index(body, "```")
		if end < 0 {
			return "", false
		}
		block := strings.TrimSpace(body[:end])
		if strings.EqualFold(lang, "json") || (lang == "" && strings.HasPrefix(block, "{")) {
			return block, true
		}
		rest = body[end+3:]
	}
}

// firstBalancedObject scans for the first '{' and returns the substring up
// to its matching '}', honouring strings and escapes.
func firstBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// ResolveForEach extracts the fan-out array for ref from a producer step's
// structured output. The caller passes the producer's entry from the
// session's step_outputs map (nil when the producer has no structured
// output).
//
// A present-but-empty array is not an error: the consumer step is skipped,
// which callers detect via the returned slice's length.
func ResolveForEach(ref ForEachRef, producerOutput any) ([]any, error) {
	if producerOutput == nil {
		return nil, &ForEachError{Ref: ref, Reason: "producer step has no structured output"}
	}
	obj, ok := producerOutput.(map[string]any)
	if !ok {
		return nil, &ForEachError{Ref: ref, Reason: "producer output is not a JSON object"}
	}
	prop, ok := obj[ref.Property]
	if !ok {
		return nil, &ForEachError{Ref: ref, Reason: fmt.Sprintf("property %q is absent", ref.Property)}
	}
	items, ok := prop.([]any)
	if !ok {
		return nil, &ForEachError{Ref: ref, Reason: fmt.Sprintf("property %q is not an array", ref.Property)}
	}
	return items, nil
}

// ForEachError reports a failed for_each reference resolution. The step
// that declared the reference is recorded as failed and the cursor is held.
type ForEachError struct {
	StepName string // consumer step; filled by the engine
	Ref      ForEachRef
	Reason   string
}

func (e *ForEachError) Error() string {
	return fmt.Sprintf("for_each %q: %s", e.Ref.String(), e.Reason)
}
