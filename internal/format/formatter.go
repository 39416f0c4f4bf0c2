package format

import (
	"strings"

	"github.com/mivanov/herald/internal/recipient"
)

// Formatter substitutes recipient fields into a message template.
//
// Each field answers to several token spellings: the bare token in lower
// and upper case, and the same wrapped in {}, [] or (). All spellings of
// one field resolve to the same value. Substitution is a single pass
// over the template, so substituted values are never rescanned.
type Formatter struct{}

// NewFormatter creates a new formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// tokens maps the canonical token name to a field accessor
var tokens = []struct {
	name  string
	value func(r *recipient.Recipient) string
}{
	{"name", func(r *recipient.Recipient) string { return r.Name }},
	{"phone", func(r *recipient.Recipient) string { return r.Address }},
	{"opt1", func(r *recipient.Recipient) string { return r.Opt1 }},
	{"opt2", func(r *recipient.Recipient) string { return r.Opt2 }},
	{"opt3", func(r *recipient.Recipient) string { return r.Opt3 }},
	{"opt4", func(r *recipient.Recipient) string { return r.Opt4 }},
	{"opt5", func(r *recipient.Recipient) string { return r.Opt5 }},
}

// Format substitutes recipient fields into tmpl. Tokens absent from the
// template are no-ops and missing field values substitute as an empty
// string. Format never fails: with no recipient the original template
// comes back unchanged, degrading a bad dispatch to "send the literal
// template" rather than aborting the recipient.
func (f *Formatter) Format(tmpl string, r *recipient.Recipient) string {
	if r == nil || tmpl == "" {
		return tmpl
	}

	// Wrapped spellings first so "{name}" is consumed as one token and
	// the brackets never leak into the output.
	pairs := make([]string, 0, len(tokens)*16)
	for _, tok := range tokens {
		v := tok.value(r)
		lower := tok.name
		upper := strings.ToUpper(tok.name)
		for _, spelling := range []string{
			"{" + lower + "}", "{" + upper + "}",
			"[" + lower + "]", "[" + upper + "]",
			"(" + lower + ")", "(" + upper + ")",
			lower, upper,
		} {
			pairs = append(pairs, spelling, v)
		}
	}

	return strings.NewReplacer(pairs...).Replace(tmpl)
}
