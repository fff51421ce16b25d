// Package template resolves named prompt templates against parameter maps.
// Bodies are opaque text with {name} placeholders; there is no code
// execution and no recursive rendering. The manager holds an immutable
// snapshot swapped atomically on reload, plus a bounded render cache.
package template

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Expected output kinds a template can declare for the host's reply.
const (
	OutputText = "text"
	OutputJSON = "json"
)

// Template is one loaded prompt template. Immutable after load.
type Template struct {
	Name           string
	Description    string
	Body           string
	RequiredParams []string
	OptionalParams []string
	ExpectedOutput string // OutputText or OutputJSON
	Source         string // file path or "inline"
}

// placeholderRe matches {name} substitution markers.
var placeholderRe = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Placeholders returns the distinct placeholder names in a body, in order
// of first appearance.
func Placeholders(body string) []string {
	seen := map[string]bool{}
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(body, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// Validate checks the placeholder/parameter invariant: every placeholder is
// declared (required or optional), and every required parameter appears in
// the body. Optional parameters may be unused.
func Validate(t Template) error {
	declared := map[string]bool{}
	for _, p := range t.RequiredParams {
		declared[p] = true
	}
	for _, p := range t.OptionalParams {
		declared[p] = true
	}

	placeholders := Placeholders(t.Body)
	inBody := map[string]bool{}
	for _, p := range placeholders {
		inBody[p] = true
		if !declared[p] {
			return fmt.Errorf("template %q: placeholder {%s} is not a declared parameter", t.Name, p)
		}
	}
	for _, p := range t.RequiredParams {
		if !inBody[p] {
			return fmt.Errorf("template %q: required parameter %q has no placeholder in the body", t.Name, p)
		}
	}
	switch t.ExpectedOutput {
	case "", OutputText, OutputJSON:
	default:
		return fmt.Errorf("template %q: expected_output must be %q or %q", t.Name, OutputText, OutputJSON)
	}
	return nil
}

// NotFoundError reports a lookup of an unknown template.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("template %q not found", e.Name)
}

// MissingParamsError reports required parameters absent from a Get call.
type MissingParamsError struct {
	Template string
	Missing  []string
}

func (e *MissingParamsError) Error() string {
	return fmt.Sprintf("template %q: missing required params: %s", e.Template, strings.Join(e.Missing, ", "))
}

type snapshot struct {
	generation uint64
	templates  map[string]Template
}

// Manager renders templates from the current snapshot with a bounded LRU
// cache over rendered strings. Reload swaps the snapshot atomically;
// in-flight renders keep the snapshot they started with, and cache keys
// embed the snapshot generation so stale renders are never served.
type Manager struct {
	snap  atomic.Pointer[snapshot]
	cache *lru.Cache[string, string]
}

// NewManager creates a Manager over the given template index.
func NewManager(templates map[string]Template, cacheSize int) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = 50
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("template cache: %w", err)
	}
	m := &Manager{cache: cache}
	m.snap.Store(&snapshot{generation: 1, templates: templates})
	return m, nil
}

// Swap atomically replaces the template index, e.g. after a config reload.
func (m *Manager) Swap(templates map[string]Template) {
	old := m.snap.Load()
	m.snap.Store(&snapshot{generation: old.generation + 1, templates: templates})
}

// Lookup returns the named template from the current snapshot.
func (m *Manager) Lookup(name string) (Template, bool) {
	t, ok := m.snap.Load().templates[name]
	return t, ok
}

// List returns the names of all loaded templates, sorted.
func (m *Manager) List() []string {
	snap := m.snap.Load()
	names := make([]string, 0, len(snap.templates))
	for name := range snap.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get resolves (name, params) to a rendered string. Missing required
// parameters yield a MissingParamsError listing their names; extra
// parameters are permitted. Rendering is deterministic: identical inputs
// yield identical strings.
func (m *Manager) Get(name string, params map[string]any) (string, error) {
	snap := m.snap.Load()
	t, ok := snap.templates[name]
	if !ok {
		return "", &NotFoundError{Name: name}
	}

	var missing []string
	for _, p := range t.RequiredParams {
		if _, present := params[p]; !present {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", &MissingParamsError{Template: name, Missing: missing}
	}

	key := cacheKey(name, snap.generation, params)
	if rendered, hit := m.cache.Get(key); hit {
		return rendered, nil
	}

	rendered := placeholderRe.ReplaceAllStringFunc(t.Body, func(marker string) string {
		p := marker[1 : len(marker)-1]
		v, present := params[p]
		if !present {
			// Declared optional with no value supplied.
			return ""
		}
		return stringify(v)
	})
	m.cache.Add(key, rendered)
	return rendered, nil
}

// cacheKey hashes (name, generation, sorted params) into a stable key.
func cacheKey(name string, generation uint64, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00", name, generation)
	for _, k := range keys {
		fmt.Fprintf(h, "%s\x1f%s\x1e", k, stringify(params[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// stringify converts a parameter value to its substitution form. Maps and
// slices render as compact JSON so structured for_each items read cleanly
// inside prompts.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	}
}
