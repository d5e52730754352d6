package campaign

import (
	"regexp"
	"sort"
	"strings"

	"github.com/teranos/herald/errors"
)

// MissingPolicy decides what replaces a placeholder the recipient cannot fill.
type MissingPolicy string

const (
	// MissingPlaceholder leaves "{{name}}" in the text.
	MissingPlaceholder MissingPolicy = "placeholder"
	// MissingDefault uses the step default for the name, then the renderer's DefaultValue.
	MissingDefault MissingPolicy = "default"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Renderer substitutes {{name}} placeholders with recipient fields.
type Renderer struct {
	Policy       MissingPolicy
	DefaultValue string
}

// NewRenderer validates the policy name.
func NewRenderer(policy string, defaultValue string) (Renderer, error) {
	p := MissingPolicy(strings.ToLower(strings.TrimSpace(policy)))
	if p == "" {
		p = MissingPlaceholder
	}
	if p != MissingPlaceholder && p != MissingDefault {
		return Renderer{}, errors.NewInvalidRequestError("unknown render policy %q", policy)
	}
	return Renderer{Policy: p, DefaultValue: defaultValue}, nil
}

// Rendered is the per-recipient result of rendering one step.
type Rendered struct {
	// Text is Body with placeholders substituted.
	Text string
	// PlainText is the fallback template with placeholders substituted.
	PlainText string
	// Variables holds the value bound to every variable the step uses,
	// for channels that render templates themselves.
	Variables map[string]string
	// Unresolved lists variables the recipient had no value for, sorted.
	Unresolved []string
}

// Render binds step's variables for one recipient.
func (r Renderer) Render(step Step, rcpt Recipient) Rendered {
	names := make(map[string]bool)
	for name := range step.Variables {
		names[name] = true
	}
	for _, text := range []string{step.Body, step.FallbackTemplate()} {
		for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
			names[m[1]] = true
		}
	}

	vars := make(map[string]string, len(names))
	var unresolved []string
	for name := range names {
		value, ok := r.resolve(step, rcpt, name)
		if !ok {
			unresolved = append(unresolved, name)
		}
		vars[name] = value
	}
	sort.Strings(unresolved)

	substitute := func(text string) string {
		return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
			name := placeholderPattern.FindStringSubmatch(match)[1]
			if v, ok := vars[name]; ok {
				return v
			}
			return match
		})
	}

	return Rendered{
		Text:       substitute(step.Body),
		PlainText:  substitute(step.FallbackTemplate()),
		Variables:  vars,
		Unresolved: unresolved,
	}
}

// resolve returns the value for name and whether the recipient supplied it.
func (r Renderer) resolve(step Step, rcpt Recipient, name string) (string, bool) {
	field := name
	if mapped, ok := step.Variables[name]; ok && mapped != "" {
		field = mapped
	}
	if v, ok := rcpt.Lookup(field); ok {
		return v, true
	}
	if r.Policy == MissingDefault {
		if d, ok := step.Defaults[name]; ok {
			return d, false
		}
		return r.DefaultValue, false
	}
	return "{{" + name + "}}", false
}
