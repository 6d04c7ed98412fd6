package template

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// Context holds the concrete values available to templates.
type Context map[string]string

// Expander expands a single templated value against a context.
type Expander interface {
	Expand(tmpl string, ctx Context) (string, error)
}

// impureFuncs are sprig functions whose result depends on time, randomness
// or the process environment. They are removed so expansion stays pure.
var impureFuncs = []string{
	"now", "date", "dateInZone", "date_in_zone", "ago", "htmlDate", "htmlDateInZone",
	"unixEpoch", "duration", "durationRound",
	"randAlpha", "randAlphaNum", "randAscii", "randNumeric", "randBytes", "randInt", "shuffle",
	"uuidv4", "env", "expandenv", "getHostByName",
	"genPrivateKey", "derivePassword", "buildCustomCert", "genCA", "genCAWithKey",
	"genSelfSignedCert", "genSelfSignedCertWithKey", "genSignedCert", "genSignedCertWithKey",
	"encryptAES", "decryptAES", "bcrypt", "htpasswd",
}

// Engine expands Go text/template values with a deterministic subset of
// the sprig function library. Missing keys are errors.
type Engine struct {
	funcs template.FuncMap
}

// New creates a new template engine.
func New() *Engine {
	funcs := sprig.TxtFuncMap()
	for _, name := range impureFuncs {
		delete(funcs, name)
	}
	return &Engine{funcs: funcs}
}

// Expand renders tmpl with ctx. Plain strings are returned unchanged.
func (e *Engine) Expand(tmpl string, ctx Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	t, err := template.New("value").Option("missingkey=error").Funcs(e.funcs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("invalid template: %w", err)
	}
	data := make(map[string]string, len(ctx))
	for k, v := range ctx {
		data[k] = v
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("expanding template: %w", err)
	}
	return buf.String(), nil
}

// HasMarkers reports whether s still carries an opening template delimiter.
func HasMarkers(s string) bool {
	return strings.Contains(s, "{{")
}
